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
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestListener returns a listening socket and a channel yielding
// accepted connections.
func startTestListener(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return ln, conns
}

func listenerPort(t *testing.T, ln net.Listener) int {
	t.Helper()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestDialTCP(t *testing.T) {
	t.Run("connects and exchanges bytes", func(t *testing.T) {
		ln, conns := startTestListener(t)

		tr, err := dialTCP(context.Background(), "127.0.0.1", listenerPort(t, ln), 2*time.Second, nil)
		require.NoError(t, err)
		defer tr.Close()

		server := <-conns
		defer server.Close()

		_, err = tr.Write([]byte("ping"))
		require.NoError(t, err)

		buf := make([]byte, 4)
		_, err = server.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))

		_, err = server.Write([]byte("pong"))
		require.NoError(t, err)
		n, err := tr.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "pong", string(buf[:n]))
	})

	t.Run("retries until the server binds", func(t *testing.T) {
		// Reserve a port, release it, and bind it again shortly after
		// the dial loop has already started probing.
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := listenerPort(t, ln)
		require.NoError(t, ln.Close())

		go func() {
			time.Sleep(300 * time.Millisecond)
			ln2, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				return
			}
			conn, err := ln2.Accept()
			if err == nil {
				conn.Close()
			}
			ln2.Close()
		}()

		tr, err := dialTCP(context.Background(), "127.0.0.1", port, 5*time.Second, nil)
		if err != nil {
			t.Skipf("port was reused by another process: %v", err)
		}
		tr.Close()
	})

	t.Run("times out when nothing listens", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := listenerPort(t, ln)
		require.NoError(t, ln.Close())

		start := time.Now()
		_, err = dialTCP(context.Background(), "127.0.0.1", port, 400*time.Millisecond, nil)
		require.Error(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("fails fast when the child is dead", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := listenerPort(t, ln)
		require.NoError(t, ln.Close())

		_, err = dialTCP(context.Background(), "127.0.0.1", port, 10*time.Second, func() bool { return false })
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrServerTerminated)
	})
}

func TestTCPTransportClose(t *testing.T) {
	t.Run("close unblocks a pending read", func(t *testing.T) {
		ln, conns := startTestListener(t)
		tr, err := dialTCP(context.Background(), "127.0.0.1", listenerPort(t, ln), 2*time.Second, nil)
		require.NoError(t, err)

		server := <-conns
		defer server.Close()

		readErr := make(chan error, 1)
		go func() {
			buf := make([]byte, 16)
			_, err := tr.Read(buf)
			readErr <- err
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, tr.Close())

		select {
		case err := <-readErr:
			assert.ErrorIs(t, err, ErrTransportClosed)
		case <-time.After(3 * time.Second):
			t.Fatal("Read did not unblock after Close")
		}

		// Idempotent.
		require.NoError(t, tr.Close())
		_, err = tr.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("peer close surfaces as transport closed", func(t *testing.T) {
		ln, conns := startTestListener(t)
		tr, err := dialTCP(context.Background(), "127.0.0.1", listenerPort(t, ln), 2*time.Second, nil)
		require.NoError(t, err)
		defer tr.Close()

		server := <-conns
		require.NoError(t, server.Close())

		buf := make([]byte, 16)
		_, err = tr.Read(buf)
		assert.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("read survives idle deadline polls", func(t *testing.T) {
		ln, conns := startTestListener(t)
		tr, err := dialTCP(context.Background(), "127.0.0.1", listenerPort(t, ln), 2*time.Second, nil)
		require.NoError(t, err)
		defer tr.Close()

		server := <-conns
		defer server.Close()

		// Send data only after the first read deadline has expired, so
		// the poll loop must iterate at least once.
		go func() {
			time.Sleep(tcpReadPollInterval + 200*time.Millisecond)
			server.Write([]byte("late"))
		}()

		buf := make([]byte, 16)
		n, err := tr.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "late", string(buf[:n]))
	})
}
