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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol handles JSON-RPC communication over a Transport.
//
// Description:
//
//	Implements the LSP base protocol using Content-Length framing.
//	Correlates responses to pending requests, dispatches
//	server-originated requests and notifications to registered
//	handlers, and serializes concurrent writes so frames never
//	interleave on the wire.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple goroutines can send requests and
//	notifications simultaneously. ReadLoop runs on a single goroutine.
type Protocol struct {
	transport Transport
	reader    *bufio.Reader
	writeMu   sync.Mutex

	table    *requestTable
	handlers *handlerRegistry

	closed       atomic.Bool
	shuttingDown atomic.Bool
}

// NewProtocol creates a protocol handler over the transport. The handler
// registry is shared with the owning client so handlers registered
// before Start take effect.
func NewProtocol(t Transport, handlers *handlerRegistry) *Protocol {
	if handlers == nil {
		handlers = newHandlerRegistry()
	}
	return &Protocol{
		transport: t,
		reader:    bufio.NewReaderSize(t, 64*1024),
		table:     newRequestTable(),
		handlers:  handlers,
	}
}

// SendRequest sends a request and waits for the response.
//
// Description:
//
//	Sends a JSON-RPC request and blocks until the server responds, the
//	context expires, or the connection dies. On timeout the pending
//	entry is left registered so the eventual late response is
//	recognized and discarded rather than misdelivered.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	method - The LSP method to invoke (e.g., "textDocument/definition")
//	params - Method parameters (will be JSON-marshaled)
//
// Outputs:
//
//	*Response - The server's response
//	error - ErrRequestTimeout, *LSPError, ErrTransportClosed, or a
//	ServerTerminatedError delivered via cancellation
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendRequest(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if p.closed.Load() {
		return nil, ErrTransportClosed
	}

	pr := p.table.register(method)

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      pr.id,
		Method:  method,
		Params:  params,
	}
	if err := p.writeMessage(req); err != nil {
		p.table.remove(pr.id)
		return nil, fmt.Errorf("write request %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		// The entry stays in the table; see requestTable.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, method)
		}
		return nil, ctx.Err()
	case res := <-pr.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, &LSPError{
				Code:    res.resp.Error.Code,
				Message: res.resp.Error.Message,
				Data:    res.resp.Error.Data,
			}
		}
		return &res.resp, nil
	}
}

// SendNotification sends a notification (no response expected).
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) SendNotification(method string, params interface{}) error {
	if p.closed.Load() {
		return ErrTransportClosed
	}
	notif := Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
	if err := p.writeMessage(notif); err != nil {
		return fmt.Errorf("write notification %s: %w", method, err)
	}
	return nil
}

// writeMessage frames a message and writes it under the write lock so
// concurrent senders never interleave bytes. The frame is written with a
// single Write call.
func (p *Protocol) writeMessage(v interface{}) error {
	frame, err := encodeMessage(v)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.transport.Write(frame); err != nil {
		return err
	}
	return nil
}

// ReadLoop reads frames from the server and dispatches them in order.
//
// Description:
//
//	Runs until the transport fails or is closed. Malformed frames
//	(bad header block, invalid JSON) are logged and skipped; only
//	transport-level failures end the loop. The caller decides how to
//	treat the returned error based on lifecycle state.
//
// Thread Safety:
//
//	Must be called from a single goroutine. Safe to run while other
//	goroutines call SendRequest/SendNotification.
func (p *Protocol) ReadLoop() error {
	for {
		body, err := p.readFrame()
		if err != nil {
			if isClosedErr(err) || errors.Is(err, ErrTransportClosed) {
				return ErrTransportClosed
			}
			return fmt.Errorf("read frame: %w", err)
		}
		p.dispatch(body)
	}
}

// readFrame reads one complete message body. Header blocks without a
// usable Content-Length are logged and skipped rather than ending the
// loop.
func (p *Protocol) readFrame() (json.RawMessage, error) {
	for {
		contentLength := 0
		sawHeader := false
		for {
			line, err := p.reader.ReadString('\n')
			if err != nil {
				return nil, err
			}
			line = strings.TrimSpace(line)
			if line == "" {
				if sawHeader {
					break
				}
				// Stray blank line between frames; keep scanning.
				continue
			}
			sawHeader = true
			if n, ok := parseContentLength(line); ok {
				contentLength = n
			}
			// Other headers (Content-Type) are ignored.
		}

		if contentLength <= 0 {
			slog.Warn("Skipping frame without a valid Content-Length header")
			continue
		}

		body := make([]byte, contentLength)
		if _, err := io.ReadFull(p.reader, body); err != nil {
			return nil, err
		}
		return body, nil
	}
}

// dispatch classifies a decoded frame and routes it. Runs on the reader
// goroutine, so handlers observe messages in wire order.
func (p *Protocol) dispatch(body json.RawMessage) {
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("Discarding frame with invalid JSON",
			slog.String("error", err.Error()))
		return
	}

	switch {
	case msg.Method != "" && msg.hasID():
		p.handleServerRequest(&msg)
	case msg.Method != "":
		p.handleServerNotification(&msg)
	case msg.hasID():
		p.handleResponse(&msg)
	default:
		slog.Warn("Discarding unclassifiable payload")
	}
}

// handleResponse correlates a response to a pending request. An unknown
// ID means the caller already departed or the server misbehaved; either
// way it is dropped.
func (p *Protocol) handleResponse(msg *rpcMessage) {
	id, err := parseResponseID(msg.ID)
	if err != nil {
		slog.Warn("Discarding response with unusable ID",
			slog.String("id", string(msg.ID)),
			slog.String("error", err.Error()))
		return
	}

	resp := Response{
		JSONRPC: msg.JSONRPC,
		ID:      id,
		Result:  msg.Result,
		Error:   msg.Error,
	}
	if !p.table.resolve(resp) {
		slog.Debug("Discarding response with no pending request",
			slog.Int64("id", id))
	}
}

// handleServerRequest invokes the registered handler and writes the
// reply. Without a handler the server gets a MethodNotFound error so it
// never hangs on a reply that will not come.
func (p *Protocol) handleServerRequest(msg *rpcMessage) {
	handler, ok := p.handlers.request(msg.Method)
	if !ok {
		p.replyError(msg.ID, &ResponseError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q is not handled by this client", msg.Method),
		})
		return
	}

	result, err := invokeRequestHandler(handler, msg.Params)
	if err != nil {
		var lspErr *LSPError
		if errors.As(err, &lspErr) {
			p.replyError(msg.ID, &ResponseError{
				Code:    lspErr.Code,
				Message: lspErr.Message,
				Data:    lspErr.Data,
			})
			return
		}
		p.replyError(msg.ID, &ResponseError{
			Code:    CodeInternalError,
			Message: err.Error(),
		})
		return
	}

	reply := successResponse{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  result,
	}
	if err := p.writeMessage(reply); err != nil {
		slog.Warn("Failed to reply to server request",
			slog.String("method", msg.Method),
			slog.String("error", err.Error()))
	}
}

// handleServerNotification invokes the registered handler, recovering
// panics so the reader loop survives.
func (p *Protocol) handleServerNotification(msg *rpcMessage) {
	handler, ok := p.handlers.notification(msg.Method)
	if !ok {
		slog.Debug("No handler for server notification",
			slog.String("method", msg.Method))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Notification handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r))
		}
	}()
	handler(msg.Params)
}

// replyError sends an error response to a server-originated request.
func (p *Protocol) replyError(id json.RawMessage, respErr *ResponseError) {
	reply := errorResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   respErr,
	}
	if err := p.writeMessage(reply); err != nil {
		slog.Warn("Failed to send error reply",
			slog.Int("code", respErr.Code),
			slog.String("error", err.Error()))
	}
}

// beginShutdown suppresses error escalation when the reader loop exits;
// an EOF during a deliberate shutdown is expected, not a crash.
func (p *Protocol) beginShutdown() {
	p.shuttingDown.Store(true)
}

// ShuttingDown reports whether a deliberate shutdown is in progress.
func (p *Protocol) ShuttingDown() bool {
	return p.shuttingDown.Load()
}

// Close marks the protocol closed and cancels every pending request
// with cause.
//
// Description:
//
//	Marks the protocol as closed to prevent further sends, then drains
//	the correlation table so every blocked caller is woken exactly once
//	with cause. Does not close the underlying transport. Idempotent.
//
// Outputs:
//
//	int - Number of requests cancelled
//
// Thread Safety:
//
//	Safe for concurrent use.
func (p *Protocol) Close(cause error) int {
	if p.closed.Swap(true) {
		return 0
	}
	if cause == nil {
		cause = ErrTransportClosed
	}
	n := p.table.cancelAll(cause)
	if n > 0 {
		slog.Info("Cancelled in-flight language server requests",
			slog.Int("count", n))
	}
	return n
}

// parseResponseID extracts an int64 from a raw JSON id. Servers must
// echo our numeric IDs, but some encode them as strings.
func parseResponseID(raw json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("id %s is neither number nor numeric string", string(raw))
}
