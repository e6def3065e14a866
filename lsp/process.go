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
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// PROCESS SUPERVISOR
// =============================================================================

const (
	// stderrTailLimit caps the retained stderr tail used in termination
	// diagnostics.
	stderrTailLimit = 8 * 1024

	// killWaitTimeout bounds the wait after SIGKILL. A process that
	// survives SIGKILL is unreapable (kernel-stuck); we stop waiting.
	killWaitTimeout = 2 * time.Second
)

// Supervisor spawns and reaps one language server process.
//
// Description:
//
//	The child runs in its own process group (unless the endpoint opts
//	out) so Stop can signal the whole server process tree. For stdio
//	endpoints the supervisor owns the stdin/stdout pipes handed to the
//	transport and drains stderr into the log, retaining a tail for
//	crash diagnostics. For TCP endpoints all three streams are
//	discarded, matching servers that log to their socket or a file.
//
// Thread Safety:
//
//	Start is called once. Alive, Done, ExitErr, StderrTail and Stop are
//	safe for concurrent use afterwards.
type Supervisor struct {
	endpoint Endpoint
	registry *ChildRegistry

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	tail tailBuffer

	// done is closed after the process has been reaped; exitErr is set
	// before the close.
	done    chan struct{}
	exitErr error

	stopped atomic.Bool
}

// newSupervisor creates a supervisor for the endpoint's command.
func newSupervisor(endpoint Endpoint, registry *ChildRegistry) *Supervisor {
	return &Supervisor{
		endpoint: endpoint,
		registry: registry,
		done:     make(chan struct{}),
	}
}

// Start spawns the language server process.
//
// Description:
//
//	Resolves the binary, wires pipes according to the transport kind,
//	places the child in its own process group, and starts the reaper
//	goroutine. Returns quickly; premature death is observed through
//	Done and the transport.
//
// Errors:
//
//	ErrServerNotInstalled - The binary is not on PATH
func (s *Supervisor) Start(ctx context.Context) error {
	binary := s.endpoint.Cmd[0]
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrServerNotInstalled, binary, err)
	}

	cmd := exec.Command(path, s.endpoint.Cmd[1:]...)
	cmd.Dir = s.endpoint.Dir
	cmd.Env = mergedEnv(s.endpoint.Env)
	cmd.SysProcAttr = sysProcAttr(!s.endpoint.InheritProcessGroup)

	// The pipes are created by hand rather than with cmd.StdinPipe and
	// friends: Wait closes exec.Cmd-managed parent ends as soon as the
	// child exits, which can discard a final response or the last
	// stderr lines still sitting in the kernel buffer. With os.Pipe
	// the parent ends stay open until the reader and drain goroutines
	// hit EOF, and Wait can be called concurrently with reads.
	var childEnds []*os.File
	if s.endpoint.Kind == TransportStdio {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			stdinR.Close()
			stdinW.Close()
			return fmt.Errorf("stdout pipe: %w", err)
		}
		stderrR, stderrW, err := os.Pipe()
		if err != nil {
			stdinR.Close()
			stdinW.Close()
			stdoutR.Close()
			stdoutW.Close()
			return fmt.Errorf("stderr pipe: %w", err)
		}
		cmd.Stdin = stdinR
		cmd.Stdout = stdoutW
		cmd.Stderr = stderrW
		s.stdin, s.stdout, s.stderr = stdinW, stdoutR, stderrR
		childEnds = []*os.File{stdinR, stdoutW, stderrW}
	}

	slog.Info("Starting language server",
		slog.String("binary", binary),
		slog.String("transport", s.endpoint.Kind.String()),
		slog.String("dir", s.endpoint.Dir))

	if err := cmd.Start(); err != nil {
		for _, f := range childEnds {
			f.Close()
		}
		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.stdout != nil {
			s.stdout.Close()
		}
		if s.stderr != nil {
			s.stderr.Close()
		}
		return fmt.Errorf("start %s: %w", binary, err)
	}
	s.cmd = cmd

	// The child holds its own descriptors now; keeping the child ends
	// open in the parent would suppress EOF on the read sides.
	for _, f := range childEnds {
		f.Close()
	}

	pid := cmd.Process.Pid
	if s.registry != nil {
		s.registry.add(pid)
	}

	if s.stderr != nil {
		go s.drainStderr()
	}

	go func() {
		err := cmd.Wait()
		s.exitErr = err
		close(s.done)
		if s.registry != nil {
			s.registry.remove(pid)
		}
		if err != nil && !s.stopped.Load() {
			slog.Warn("Language server process exited",
				slog.Int("pid", pid),
				slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Pid returns the child's PID, or 0 if it was never started.
func (s *Supervisor) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Alive reports whether the process has not yet been reaped.
func (s *Supervisor) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed once the process has been reaped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// ExitErr returns the process exit error. Only meaningful after Done.
func (s *Supervisor) ExitErr() error {
	select {
	case <-s.done:
		return s.exitErr
	default:
		return nil
	}
}

// StderrTail returns the retained tail of the server's stderr.
func (s *Supervisor) StderrTail() string {
	return s.tail.String()
}

// Stdin returns the child's stdin pipe (stdio endpoints only).
func (s *Supervisor) Stdin() io.WriteCloser { return s.stdin }

// Stdout returns the child's stdout pipe (stdio endpoints only).
func (s *Supervisor) Stdout() io.ReadCloser { return s.stdout }

// Stop terminates the process tree.
//
// Description:
//
//	Closes stdin first so well-behaved servers see EOF and exit on
//	their own, then sends SIGTERM to the process group, waits up to
//	grace, escalates to SIGKILL, and waits for the reaper. Remaining
//	pipes are closed only after the process is gone, so the reader loop
//	observes EOF rather than a mid-frame close. Idempotent.
//
// Inputs:
//
//	grace - How long to wait between SIGTERM and SIGKILL
//
// Outputs:
//
//	error - Non-nil only if the process could not be reaped
func (s *Supervisor) Stop(grace time.Duration) error {
	if s.stopped.Swap(true) {
		select {
		case <-s.done:
		case <-time.After(killWaitTimeout):
		}
		return nil
	}

	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	if s.Alive() {
		pid := s.Pid()
		if err := signalGroup(pid, true); err != nil {
			slog.Debug("SIGTERM failed",
				slog.Int("pid", pid),
				slog.String("error", err.Error()))
		}

		select {
		case <-s.done:
		case <-time.After(grace):
			slog.Warn("Language server did not exit in time, killing",
				slog.Int("pid", pid),
				slog.Duration("grace", grace))
			if err := signalGroup(pid, false); err != nil {
				slog.Debug("SIGKILL failed",
					slog.Int("pid", pid),
					slog.String("error", err.Error()))
			}
			select {
			case <-s.done:
			case <-time.After(killWaitTimeout):
				return fmt.Errorf("language server pid %d could not be reaped", pid)
			}
		}
	}

	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	if s.stderr != nil {
		_ = s.stderr.Close()
	}
	return nil
}

// drainStderr forwards the server's stderr to the log line by line and
// retains a bounded tail. Lines that look like errors are logged at a
// higher level so server crashes stand out.
func (s *Supervisor) drainStderr() {
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.tail.append(line)

		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "exception") || strings.Contains(lower, "panic") {
			slog.Warn("Language server stderr", slog.String("line", line))
		} else {
			slog.Debug("Language server stderr", slog.String("line", line))
		}
	}
}

// mergedEnv overlays extra variables on the parent environment.
func mergedEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// tailBuffer retains the last stderrTailLimit bytes of appended lines.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - stderrTailLimit; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
