// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp is a runtime engine for driving Language Server Protocol
// servers as subprocesses or over TCP.
//
// The package deliberately stops at the wire: it spawns and supervises
// server processes, frames and correlates JSON-RPC traffic, and manages
// the connection lifecycle. Interpreting LSP payloads (capabilities,
// symbols, edits) is left to language adapters built on top.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                          Client                              │
//	│   lifecycle: Unstarted → Running → ShuttingDown → Stopped    │
//	│                                                              │
//	│   Supervisor ──► process tree (own group, SIGTERM/SIGKILL)   │
//	│   Transport  ──► stdio pipes or TCP socket                   │
//	│   Protocol   ──► Content-Length framing, request table,      │
//	│                  reader loop, inbound dispatch               │
//	└──────────────────────────────────────────────────────────────┘
//
// # Components
//
//   - Client: One server, one connection, one reader loop
//   - Supervisor: Process spawn, stderr capture, tree-aware stop
//   - Protocol: JSON-RPC correlation and dispatch over a Transport
//   - ChildRegistry: Live child PIDs for host-application cleanup
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
//
// # Example
//
//	client := lsp.NewClient(lsp.Endpoint{
//		Kind: lsp.TransportStdio,
//		Cmd:  []string{"gopls", "serve"},
//		Dir:  "/path/to/project",
//	})
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.Shutdown(context.Background())
//
//	result, err := client.Initialize(ctx, lsp.InitializeParams{
//		RootURI: "file:///path/to/project",
//	})
package lsp
