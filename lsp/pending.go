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
	"sync"
	"sync/atomic"
)

// =============================================================================
// REQUEST CORRELATION TABLE
// =============================================================================

// pendingResult is what a waiting caller receives: either the server's
// response or a transport-level error, never both.
type pendingResult struct {
	resp Response
	err  error
}

// pendingRequest is one in-flight request.
type pendingRequest struct {
	id     int64
	method string

	// ch is buffered so resolve never blocks on a caller that already
	// gave up. A late response to a timed-out request lands in the
	// buffer and is garbage collected with the entry.
	ch chan pendingResult
}

// requestTable correlates outbound request IDs with waiting callers.
//
// Description:
//
//	IDs are allocated from an atomic counter and are unique for the
//	lifetime of the instance. Entries are removed on resolve, reject
//	and cancelAll; a request that times out deliberately leaves its
//	entry behind so the eventual late response is recognized and
//	discarded instead of being mistaken for an unknown ID.
//
// Thread Safety:
//
//	Safe for concurrent use. The mutex guards only map mutation and is
//	never held across channel sends or I/O.
type requestTable struct {
	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]*pendingRequest
}

func newRequestTable() *requestTable {
	return &requestTable{pending: make(map[int64]*pendingRequest)}
}

// register allocates an ID and inserts an entry for it.
func (t *requestTable) register(method string) *pendingRequest {
	pr := &pendingRequest{
		id:     t.nextID.Add(1),
		method: method,
		ch:     make(chan pendingResult, 1),
	}
	t.mu.Lock()
	t.pending[pr.id] = pr
	t.mu.Unlock()
	return pr
}

// remove drops an entry without delivering anything, for requests that
// failed before reaching the wire.
func (t *requestTable) remove(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// resolve delivers a response to the waiting caller and removes the
// entry. Returns false if the ID is unknown (already resolved, already
// cancelled, or never issued); the caller logs and drops it.
func (t *requestTable) resolve(resp Response) bool {
	t.mu.Lock()
	pr, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pr.ch <- pendingResult{resp: resp}
	return true
}

// reject delivers a transport-level error to the waiting caller and
// removes the entry. Returns false if the ID is unknown.
func (t *requestTable) reject(id int64, err error) bool {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pr.ch <- pendingResult{err: err}
	return true
}

// cancelAll atomically drains the table and rejects every entry with
// err. A resolve racing with cancelAll finds the map already empty, so
// each caller is woken exactly once. Returns the number of cancelled
// requests.
func (t *requestTable) cancelAll(err error) int {
	t.mu.Lock()
	drained := t.pending
	t.pending = make(map[int64]*pendingRequest)
	t.mu.Unlock()

	for _, pr := range drained {
		pr.ch <- pendingResult{err: err}
	}
	return len(drained)
}

// size returns the number of in-flight requests.
func (t *requestTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
