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
	"errors"
	"io"
	"io/fs"
	"net"
	"sync/atomic"
)

// =============================================================================
// TRANSPORT ABSTRACTION
// =============================================================================

// Transport is a byte stream to a language server. Close must be safe to
// call concurrently with a blocked Read and must unblock it promptly.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// isClosedErr reports whether err indicates the stream ended or was
// closed from our side, as opposed to a malformed-data failure.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, net.ErrClosed)
}

// pipeTransport adapts a child process's stdin/stdout pipes.
//
// Thread Safety:
//
//	Read and Write may run concurrently with each other and with Close.
//	Closing the pipes unblocks a pending Read with an error.
type pipeTransport struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	closed atomic.Bool
}

// newPipeTransport wraps the child's pipes as a Transport.
func newPipeTransport(stdin io.WriteCloser, stdout io.ReadCloser) *pipeTransport {
	return &pipeTransport{stdin: stdin, stdout: stdout}
}

// Read reads from the child's stdout.
func (t *pipeTransport) Read(p []byte) (int, error) {
	n, err := t.stdout.Read(p)
	if err != nil && t.closed.Load() {
		return n, ErrTransportClosed
	}
	return n, err
}

// Write writes to the child's stdin.
func (t *pipeTransport) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrTransportClosed
	}
	n, err := t.stdin.Write(p)
	if err != nil && isClosedErr(err) {
		return n, ErrTransportClosed
	}
	return n, err
}

// Close closes both pipes. Idempotent.
func (t *pipeTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	err := t.stdin.Close()
	if cerr := t.stdout.Close(); err == nil {
		err = cerr
	}
	return err
}
