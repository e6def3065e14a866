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
	"fmt"
	"strings"
)

// Sentinel errors for the client runtime.
var (
	// ErrAlreadyStarted indicates Start was called on a running client.
	ErrAlreadyStarted = errors.New("lsp client already started")

	// ErrNotRunning indicates the client is not in a running state.
	ErrNotRunning = errors.New("lsp client not running")

	// ErrShuttingDown indicates the client is shutting down and rejects new requests.
	ErrShuttingDown = errors.New("lsp client shutting down")

	// ErrServerNotInstalled indicates the language server binary was not found.
	ErrServerNotInstalled = errors.New("language server not installed")

	// ErrRequestTimeout indicates a request exceeded its timeout. The request
	// is not retracted from the wire; a late response is silently discarded.
	ErrRequestTimeout = errors.New("lsp request timeout")

	// ErrTransportClosed indicates the pipe or socket ended unexpectedly
	// during a read or write.
	ErrTransportClosed = errors.New("lsp transport closed")

	// ErrServerTerminated indicates the language server process terminated
	// while requests were in flight.
	ErrServerTerminated = errors.New("language server terminated")
)

// JSON-RPC error codes used by the runtime.
const (
	// CodeParseError indicates invalid JSON was received.
	CodeParseError = -32700

	// CodeInvalidRequest indicates the JSON is not a valid request object.
	CodeInvalidRequest = -32600

	// CodeMethodNotFound indicates the method does not exist on the receiver.
	CodeMethodNotFound = -32601

	// CodeInvalidParams indicates invalid method parameters.
	CodeInvalidParams = -32602

	// CodeInternalError indicates an internal JSON-RPC error.
	CodeInternalError = -32603

	// CodeRequestCancelled indicates the request was cancelled (LSP extension).
	CodeRequestCancelled = -32800

	// CodeServerNotInitialized indicates the server received a request before
	// the initialize handshake completed.
	CodeServerNotInitialized = -32002
)

// LSPError represents an error returned by the language server via JSON-RPC.
//
// LSP error codes follow the JSON-RPC spec plus LSP-specific codes:
//   - -32700: Parse error
//   - -32600: Invalid request
//   - -32601: Method not found
//   - -32602: Invalid params
//   - -32603: Internal error
//   - -32099 to -32000: Server error (reserved)
//   - -32800: Request cancelled
type LSPError struct {
	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message from the server.
	Message string

	// Data contains optional additional data about the error.
	Data interface{}
}

// Error implements the error interface.
func (e *LSPError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("LSP error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the method is not supported by the receiver.
func (e *LSPError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsRequestCancelled returns true if the request was cancelled.
func (e *LSPError) IsRequestCancelled() bool {
	return e.Code == CodeRequestCancelled
}

// IsServerError returns true if the code is in the reserved server error range.
func (e *LSPError) IsServerError() bool {
	return e.Code >= -32099 && e.Code <= -32000
}

// ServerTerminatedError carries diagnostics for an unexpected server death.
//
// Description:
//
//	Delivered to every caller whose request was in flight when the
//	transport died. Wraps ErrServerTerminated so callers can test with
//	errors.Is, and includes the process exit status and a tail of the
//	captured stderr for diagnosis.
type ServerTerminatedError struct {
	// Exit is the process exit error, if the process was supervised.
	Exit error

	// Stderr is the retained tail of the server's stderr output.
	Stderr string
}

// Error implements the error interface.
func (e *ServerTerminatedError) Error() string {
	var b strings.Builder
	b.WriteString("language server terminated unexpectedly")
	if e.Exit != nil {
		fmt.Fprintf(&b, ": %v", e.Exit)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, "; stderr: %s", e.Stderr)
	}
	return b.String()
}

// Unwrap makes errors.Is(err, ErrServerTerminated) succeed.
func (e *ServerTerminatedError) Unwrap() error {
	return ErrServerTerminated
}
