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
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// =============================================================================
// TCP TRANSPORT
// =============================================================================

const (
	// tcpDialAttemptTimeout caps a single connect attempt.
	tcpDialAttemptTimeout = time.Second

	// tcpRetryInterval is the pause between failed connect attempts.
	tcpRetryInterval = 100 * time.Millisecond

	// tcpReadPollInterval is the read deadline period. A Read blocked on
	// an idle socket re-checks the closed flag this often, so Close from
	// another goroutine takes effect within about a second.
	tcpReadPollInterval = time.Second
)

// tcpTransport adapts a TCP connection to a language server.
//
// Thread Safety:
//
//	Read runs on a single goroutine (the protocol reader loop). Write
//	and Close may be called from any goroutine.
type tcpTransport struct {
	conn   *net.TCPConn
	closed atomic.Bool
}

// dialTCP connects to a language server with a bounded retry loop.
//
// Description:
//
//	Servers that open their own listening socket need time to bind after
//	spawn, so connection refusals are retried every 100ms until the
//	endpoint's connect timeout elapses. When alive is non-nil it is
//	consulted between attempts so a crashed child fails the dial
//	immediately instead of burning the full timeout.
//
// Inputs:
//
//	ctx - Context bounding the whole dial
//	host, port - The server's listen address
//	timeout - Total retry budget
//	alive - Optional child liveness probe
//
// Outputs:
//
//	*tcpTransport - Connected transport with TCP_NODELAY set
//	error - Non-nil if the server never became reachable
func dialTCP(ctx context.Context, host string, port int, timeout time.Duration, alive func() bool) (*tcpTransport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)

	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if alive != nil && !alive() {
			return nil, fmt.Errorf("language server exited before %s became reachable: %w", addr, ErrServerTerminated)
		}

		conn, err := net.DialTimeout("tcp", addr, tcpDialAttemptTimeout)
		if err == nil {
			tc, ok := conn.(*net.TCPConn)
			if !ok {
				conn.Close()
				return nil, fmt.Errorf("unexpected connection type %T for %s", conn, addr)
			}
			// Frames are small and latency-sensitive.
			if err := tc.SetNoDelay(true); err != nil {
				slog.Debug("Failed to set TCP_NODELAY", slog.String("error", err.Error()))
			}
			return &tcpTransport{conn: tc}, nil
		}

		lastErr = err
		time.Sleep(tcpRetryInterval)
	}

	return nil, fmt.Errorf("connect to language server at %s timed out after %s: %w", addr, timeout, lastErr)
}

// Read reads from the socket, polling so a concurrent Close unblocks it.
func (t *tcpTransport) Read(p []byte) (int, error) {
	for {
		if t.closed.Load() {
			return 0, ErrTransportClosed
		}
		if err := t.conn.SetReadDeadline(time.Now().Add(tcpReadPollInterval)); err != nil {
			return 0, t.mapErr(err)
		}
		n, err := t.conn.Read(p)
		if n > 0 || err == nil {
			return n, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return 0, t.mapErr(err)
	}
}

// Write writes to the socket.
func (t *tcpTransport) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrTransportClosed
	}
	n, err := t.conn.Write(p)
	if err != nil {
		return n, t.mapErr(err)
	}
	return n, nil
}

// Close shuts the connection down. Idempotent.
func (t *tcpTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// mapErr normalizes connection-ended errors to ErrTransportClosed.
func (t *tcpTransport) mapErr(err error) error {
	if t.closed.Load() || isClosedErr(err) {
		return ErrTransportClosed
	}
	return err
}
