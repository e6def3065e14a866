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
	"encoding/json"
	"fmt"
	"sync"
)

// =============================================================================
// INBOUND DISPATCH
// =============================================================================

// RequestHandler handles a server-originated request. The returned value
// is marshaled into the response; a returned error becomes a JSON-RPC
// error response (an *LSPError keeps its code, anything else becomes an
// internal error).
type RequestHandler func(params json.RawMessage) (interface{}, error)

// NotificationHandler handles a server-originated notification.
type NotificationHandler func(params json.RawMessage)

// handlerRegistry maps inbound methods to handlers. At most one handler
// per method; a later registration replaces the earlier one.
//
// Thread Safety:
//
//	Safe for concurrent use. Handlers may be registered before Start
//	and while the reader loop is running.
type handlerRegistry struct {
	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

func (h *handlerRegistry) setRequest(method string, handler RequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests[method] = handler
}

func (h *handlerRegistry) setNotification(method string, handler NotificationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications[method] = handler
}

func (h *handlerRegistry) request(method string) (RequestHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.requests[method]
	return handler, ok
}

func (h *handlerRegistry) notification(method string) (NotificationHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.notifications[method]
	return handler, ok
}

// invokeRequestHandler runs a request handler, converting a panic into
// an error so one bad handler cannot take down the reader loop.
func invokeRequestHandler(handler RequestHandler, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("request handler panicked: %v", r)
		}
	}()
	return handler(params)
}
