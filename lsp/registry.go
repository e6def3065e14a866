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
	"log/slog"
	"sync"
)

// =============================================================================
// CHILD PROCESS REGISTRY
// =============================================================================

// ChildRegistry tracks the PIDs of spawned language server processes so
// an embedding application can reap stragglers on exit.
//
// Description:
//
//	Each Client owns a registry by default; an application that runs
//	several clients can share one via WithChildRegistry and call KillAll
//	from its own shutdown path. PIDs are added on spawn and removed when
//	the process is reaped, so the registry only ever lists live
//	children.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ChildRegistry struct {
	mu   sync.Mutex
	pids map[int]struct{}
}

// NewChildRegistry creates an empty registry.
func NewChildRegistry() *ChildRegistry {
	return &ChildRegistry{pids: make(map[int]struct{})}
}

// add records a spawned child.
func (r *ChildRegistry) add(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[pid] = struct{}{}
}

// remove forgets a reaped child.
func (r *ChildRegistry) remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, pid)
}

// PIDs returns a snapshot of the live child PIDs.
func (r *ChildRegistry) PIDs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		out = append(out, pid)
	}
	return out
}

// KillAll force-kills every tracked child and its process group.
//
// Description:
//
//	Last-resort cleanup for application exit paths. Normal teardown
//	goes through Client.Shutdown or Client.Stop; KillAll skips the
//	graceful sequence entirely.
func (r *ChildRegistry) KillAll() {
	r.mu.Lock()
	pids := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		pids = append(pids, pid)
	}
	r.pids = make(map[int]struct{})
	r.mu.Unlock()

	for _, pid := range pids {
		if err := signalGroup(pid, false); err != nil {
			slog.Debug("Failed to kill language server process group",
				slog.Int("pid", pid),
				slog.String("error", err.Error()))
		}
	}
}
