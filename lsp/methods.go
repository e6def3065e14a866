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
	"encoding/json"
	"fmt"
	"os"
)

// =============================================================================
// TYPED METHOD WRAPPERS
// =============================================================================
//
// Thin wrappers that shape parameters for the common LSP methods.
// Results come back as raw JSON; interpreting capability sets, symbol
// trees and edits belongs to the language adapters built on top of this
// runtime.

// Initialize performs the LSP initialization handshake.
//
// Description:
//
//	Sends the initialize request and, on success, the initialized
//	notification. Must complete before other requests per the LSP
//	lifecycle. When params.ProcessID is nil the client's own PID is
//	filled in so servers that watch their parent can exit if we die.
func (c *Client) Initialize(ctx context.Context, params InitializeParams) (*InitializeResult, error) {
	if params.ProcessID == nil {
		pid := os.Getpid()
		params.ProcessID = &pid
	}
	if params.Capabilities == nil {
		params.Capabilities = struct{}{}
	}

	raw, err := c.SendRequest(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("initialize: decode result: %w", err)
	}

	if err := c.SendNotification("initialized", struct{}{}); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return &result, nil
}

// Definition requests the definition locations for a position.
func (c *Client) Definition(ctx context.Context, params TextDocumentPositionParams) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/definition", params)
}

// References requests all references to the symbol at a position.
func (c *Client) References(ctx context.Context, params ReferenceParams) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/references", params)
}

// Hover requests hover information for a position.
func (c *Client) Hover(ctx context.Context, params TextDocumentPositionParams) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/hover", params)
}

// DocumentSymbol requests the symbol tree of a document.
func (c *Client) DocumentSymbol(ctx context.Context, params TextDocumentIdentifier) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/documentSymbol", struct {
		TextDocument TextDocumentIdentifier `json:"textDocument"`
	}{params})
}

// Rename requests a workspace edit renaming the symbol at a position.
func (c *Client) Rename(ctx context.Context, params RenameParams) (json.RawMessage, error) {
	return c.SendRequest(ctx, "textDocument/rename", params)
}

// WorkspaceSymbol queries symbols across the workspace.
func (c *Client) WorkspaceSymbol(ctx context.Context, params WorkspaceSymbolParams) (json.RawMessage, error) {
	return c.SendRequest(ctx, "workspace/symbol", params)
}

// DidOpen notifies the server that a document was opened.
func (c *Client) DidOpen(ctx context.Context, params DidOpenTextDocumentParams) error {
	return c.SendNotification("textDocument/didOpen", params)
}

// DidChange notifies the server of document changes.
func (c *Client) DidChange(ctx context.Context, params DidChangeTextDocumentParams) error {
	return c.SendNotification("textDocument/didChange", params)
}

// DidClose notifies the server that a document was closed.
func (c *Client) DidClose(ctx context.Context, params DidCloseTextDocumentParams) error {
	return c.SendNotification("textDocument/didClose", params)
}

// DidSave notifies the server that a document was saved.
func (c *Client) DidSave(ctx context.Context, params DidSaveTextDocumentParams) error {
	return c.SendNotification("textDocument/didSave", params)
}
