// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireUnixShell skips tests that drive real processes through sh.
func requireUnixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestSupervisorStartStop(t *testing.T) {
	requireUnixShell(t)
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	registry := NewChildRegistry()
	sup := newSupervisor(Endpoint{Kind: TransportStdio, Cmd: []string{"cat"}}, registry)

	require.NoError(t, sup.Start(context.Background()))
	require.True(t, sup.Alive())
	require.Greater(t, sup.Pid(), 0)
	assert.Contains(t, registry.PIDs(), sup.Pid())
	require.NotNil(t, sup.Stdin())
	require.NotNil(t, sup.Stdout())

	// cat exits on stdin EOF, so the graceful path suffices.
	require.NoError(t, sup.Stop(2*time.Second))
	assert.False(t, sup.Alive())

	assert.Eventually(t, func() bool {
		return len(registry.PIDs()) == 0
	}, 2*time.Second, 10*time.Millisecond, "registry should forget reaped children")

	// Second stop is a no-op.
	require.NoError(t, sup.Stop(2*time.Second))
}

func TestSupervisorMissingBinary(t *testing.T) {
	sup := newSupervisor(Endpoint{
		Kind: TransportStdio,
		Cmd:  []string{"definitely-not-a-language-server-a8f2"},
	}, nil)

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerNotInstalled)
}

func TestSupervisorStderrTail(t *testing.T) {
	requireUnixShell(t)

	sup := newSupervisor(Endpoint{
		Kind: TransportStdio,
		Cmd:  []string{"sh", "-c", `echo "fatal error: no workspace" 1>&2; cat`},
	}, nil)
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop(2 * time.Second)

	assert.Eventually(t, func() bool {
		return sup.StderrTail() != ""
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, sup.StderrTail(), "fatal error: no workspace")
}

func TestSupervisorKillEscalation(t *testing.T) {
	requireUnixShell(t)

	// The shell ignores SIGTERM, forcing the SIGKILL path.
	sup := newSupervisor(Endpoint{
		Kind: TransportStdio,
		Cmd:  []string{"sh", "-c", `trap "" TERM; while :; do sleep 0.05; done`},
	}, nil)
	require.NoError(t, sup.Start(context.Background()))
	require.True(t, sup.Alive())

	start := time.Now()
	require.NoError(t, sup.Stop(200*time.Millisecond))
	assert.False(t, sup.Alive())
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSupervisorObservesExit(t *testing.T) {
	requireUnixShell(t)

	sup := newSupervisor(Endpoint{
		Kind: TransportStdio,
		Cmd:  []string{"sh", "-c", "exit 3"},
	}, nil)
	require.NoError(t, sup.Start(context.Background()))

	select {
	case <-sup.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process exit never observed")
	}
	assert.False(t, sup.Alive())

	var exitErr *exec.ExitError
	require.ErrorAs(t, sup.ExitErr(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())

	// Stop after exit must not error.
	require.NoError(t, sup.Stop(time.Second))
}

func TestChildRegistryKillAll(t *testing.T) {
	requireUnixShell(t)
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	registry := NewChildRegistry()
	sup := newSupervisor(Endpoint{Kind: TransportStdio, Cmd: []string{"sleep", "30"}}, registry)
	require.NoError(t, sup.Start(context.Background()))
	require.Len(t, registry.PIDs(), 1)

	registry.KillAll()
	assert.Empty(t, registry.PIDs())

	select {
	case <-sup.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("child survived KillAll")
	}
}

// TestSupervisorStderrTailAfterExit covers the last stderr lines of a
// server that writes and exits immediately: they must survive the exit
// rather than being lost with the pipe.
func TestSupervisorStderrTailAfterExit(t *testing.T) {
	requireUnixShell(t)

	sup := newSupervisor(Endpoint{
		Kind: TransportStdio,
		Cmd:  []string{"sh", "-c", `echo "dying: config invalid" 1>&2; exit 1`},
	}, nil)
	require.NoError(t, sup.Start(context.Background()))

	select {
	case <-sup.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("process exit never observed")
	}

	assert.Eventually(t, func() bool {
		return strings.Contains(sup.StderrTail(), "dying: config invalid")
	}, 2*time.Second, 10*time.Millisecond, "stderr written just before exit must be retained")

	require.NoError(t, sup.Stop(time.Second))
}

func TestClientConcurrentStart(t *testing.T) {
	requireUnixShell(t)
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		c := NewClient(Endpoint{Kind: TransportStdio, Cmd: []string{"cat"}})

		var wg sync.WaitGroup
		var successes atomic.Int32
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.Start(ctx); err == nil {
					successes.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), successes.Load(), "exactly one Start may win")
		require.LessOrEqual(t, len(c.Registry().PIDs()), 1, "losing Start must not leave a child behind")

		require.NoError(t, c.Stop())
		require.Eventually(t, func() bool {
			return len(c.Registry().PIDs()) == 0
		}, 2*time.Second, 10*time.Millisecond)
	}
}

// TestClientFinalResponseBeforeExit runs a server that answers a single
// request and exits immediately. The response is already in the pipe
// when the process dies; the caller must receive it, not a termination
// error.
func TestClientFinalResponseBeforeExit(t *testing.T) {
	requireUnixShell(t)

	body := `{"jsonrpc":"2.0","id":1,"result":"ok"}`
	script := fmt.Sprintf(`read line; printf 'Content-Length: %d\r\n\r\n%s'`, len(body), body)

	c := NewClient(Endpoint{Kind: TransportStdio, Cmd: []string{"sh", "-c", script}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx))

	raw, err := c.SendRequest(ctx, "server/status", nil)
	require.NoError(t, err, "a response written just before exit must be delivered")
	assert.JSONEq(t, `"ok"`, string(raw))

	require.NoError(t, c.Stop())
}

// TestClientEndToEndStdio drives the full stack against cat, which
// loops every frame straight back. The client sees its own request as
// a server-originated request, answers MethodNotFound, and cat loops
// that reply back as the response, so SendRequest deterministically
// returns a MethodNotFound LSPError.
func TestClientEndToEndStdio(t *testing.T) {
	requireUnixShell(t)
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	c := NewClient(Endpoint{Kind: TransportStdio, Cmd: []string{"cat"}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Start(ctx))
	require.Equal(t, StateRunning, c.State())
	require.ErrorIs(t, c.Start(ctx), ErrAlreadyStarted)

	_, err := c.SendRequest(ctx, "test/echo", map[string]string{"k": "v"})
	var lspErr *LSPError
	require.True(t, errors.As(err, &lspErr), "err = %v", err)
	assert.True(t, lspErr.IsMethodNotFound())

	require.NoError(t, c.Stop())
	assert.Equal(t, StateStopped, c.State())
	require.NoError(t, c.Stop())
}
