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
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// CLIENT LIFECYCLE
// =============================================================================

// State represents the client lifecycle state.
type State int

const (
	// StateUnstarted means Start has not been called.
	StateUnstarted State = iota

	// StateRunning means the transport is connected and requests flow.
	StateRunning

	// StateShuttingDown means teardown began; new requests are rejected.
	StateShuttingDown

	// StateStopped means the client is fully torn down.
	StateStopped
)

// stateStarting is held between the lifecycle check in Start and the
// transition to StateRunning, so concurrent Start calls cannot both
// pass the check and double-spawn the server. Never visible to
// callers as a steady state.
const stateStarting State = -1

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	case stateStarting:
		return "starting"
	default:
		return "unknown"
	}
}

const (
	// DefaultRequestTimeout bounds SendRequest when the caller's context
	// has no deadline. Zero via WithRequestTimeout disables the bound.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultStopGracePeriod is the SIGTERM-to-SIGKILL window.
	DefaultStopGracePeriod = 5 * time.Second

	// defaultShutdownRequestTimeout bounds the shutdown handshake
	// request; a wedged server must not stall teardown.
	defaultShutdownRequestTimeout = 5 * time.Second

	// readerExitWait bounds how long teardown waits for the reader
	// goroutine to observe the closed transport.
	readerExitWait = time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithRequestTimeout sets the default SendRequest timeout. Zero means
// requests wait indefinitely unless the caller's context has a
// deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithStopGracePeriod sets the SIGTERM-to-SIGKILL window used by
// Shutdown and Stop.
func WithStopGracePeriod(d time.Duration) Option {
	return func(c *Client) { c.stopGrace = d }
}

// WithChildRegistry shares a registry across clients so the host
// application has a single cleanup point for spawned servers.
func WithChildRegistry(r *ChildRegistry) Option {
	return func(c *Client) { c.registry = r }
}

// Client is a language server client: one server process (or socket),
// one connection, one reader loop.
//
// Description:
//
//	Client ties together the supervisor, transport and protocol layers
//	and owns the lifecycle Unstarted → Running → ShuttingDown →
//	Stopped. It exposes the blocking request API, the notification
//	API, and handler registration for server-originated traffic. It
//	performs no LSP handshake by itself; Initialize (methods.go) or
//	the embedding application drives that.
//
// Thread Safety:
//
//	Safe for concurrent use. Any number of goroutines may send
//	requests and notifications; lifecycle methods may race with them
//	and with each other.
type Client struct {
	endpoint Endpoint
	registry *ChildRegistry
	handlers *handlerRegistry

	requestTimeout time.Duration
	stopGrace      time.Duration

	mu         sync.RWMutex
	state      State
	supervisor *Supervisor
	transport  Transport
	protocol   *Protocol
	readDone   chan struct{}
}

// NewClient creates a client for the endpoint. The client is inert
// until Start.
func NewClient(endpoint Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoint:       endpoint,
		handlers:       newHandlerRegistry(),
		requestTimeout: DefaultRequestTimeout,
		stopGrace:      DefaultStopGracePeriod,
		state:          StateUnstarted,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewChildRegistry()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Registry returns the child process registry.
func (c *Client) Registry() *ChildRegistry {
	return c.registry
}

// SetRequestTimeout changes the default request timeout at runtime.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestTimeout = d
}

// OnRequest registers a handler for a server-originated request method
// (e.g. "workspace/configuration"). May be called before Start. A later
// registration replaces an earlier one.
func (c *Client) OnRequest(method string, handler RequestHandler) {
	c.handlers.setRequest(method, handler)
}

// OnNotification registers a handler for a server-originated
// notification method (e.g. "textDocument/publishDiagnostics"). May be
// called before Start.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.handlers.setNotification(method, handler)
}

// Start launches the server and connects the transport.
//
// Description:
//
//	Validates the endpoint, spawns the process if the endpoint has a
//	command, builds the transport (pipes for stdio, bounded-retry dial
//	for TCP), and starts the reader loop. On any failure the partially
//	started process is torn down before returning.
//
// Errors:
//
//	ErrAlreadyStarted - The client is not in the unstarted state
//	ErrServerNotInstalled - The server binary is not on PATH
func (c *Client) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if err := c.endpoint.validate(); err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	c.mu.Lock()
	if c.state != StateUnstarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = stateStarting
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "lsp.client.start")
	defer span.End()

	var sup *Supervisor
	if len(c.endpoint.Cmd) > 0 {
		sup = newSupervisor(c.endpoint, c.registry)
		if err := sup.Start(ctx); err != nil {
			recordServerSpawn(ctx, c.endpoint.Kind.String(), false)
			c.abortStart()
			return err
		}
		recordServerSpawn(ctx, c.endpoint.Kind.String(), true)
	}

	transport, err := c.buildTransport(ctx, sup)
	if err != nil {
		if sup != nil {
			_ = sup.Stop(c.stopGrace)
		}
		c.abortStart()
		return err
	}

	protocol := NewProtocol(transport, c.handlers)
	readDone := make(chan struct{})

	c.mu.Lock()
	if c.state != stateStarting {
		// A concurrent Stop or Shutdown won the race; discard what
		// was built instead of resurrecting a stopped client.
		c.mu.Unlock()
		_ = transport.Close()
		if sup != nil {
			_ = sup.Stop(c.stopGrace)
		}
		return ErrShuttingDown
	}
	c.supervisor = sup
	c.transport = transport
	c.protocol = protocol
	c.readDone = readDone
	c.state = StateRunning
	c.mu.Unlock()

	go c.runReader(protocol, readDone)

	slog.Info("LSP client running",
		slog.String("transport", c.endpoint.Kind.String()))
	return nil
}

// abortStart rolls the lifecycle back after a failed spawn or connect,
// unless a concurrent Stop already moved the state on.
func (c *Client) abortStart() {
	c.mu.Lock()
	if c.state == stateStarting {
		c.state = StateUnstarted
	}
	c.mu.Unlock()
}

// buildTransport connects according to the endpoint kind.
func (c *Client) buildTransport(ctx context.Context, sup *Supervisor) (Transport, error) {
	switch c.endpoint.Kind {
	case TransportStdio:
		return newPipeTransport(sup.Stdin(), sup.Stdout()), nil
	case TransportTCP:
		var alive func() bool
		if sup != nil {
			alive = sup.Alive
		}
		return dialTCP(ctx, c.endpoint.TCPHost, c.endpoint.TCPPort, c.endpoint.connectTimeout(), alive)
	default:
		return nil, fmt.Errorf("unknown transport kind %d", c.endpoint.Kind)
	}
}

// runReader runs the protocol reader loop and escalates its death when
// it was not part of a deliberate shutdown.
func (c *Client) runReader(protocol *Protocol, readDone chan struct{}) {
	defer close(readDone)

	err := protocol.ReadLoop()

	if protocol.ShuttingDown() {
		slog.Info("Reader loop exited during shutdown")
		return
	}

	// The server died or the connection broke under us.
	termErr := c.terminationError(err)
	slog.Error("Language server connection lost",
		slog.String("error", termErr.Error()))

	n := protocol.Close(termErr)
	recordCancelledRequests(context.Background(), n)

	c.mu.Lock()
	c.state = StateStopped
	transport := c.transport
	sup := c.supervisor
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	if sup != nil {
		_ = sup.Stop(c.stopGrace)
	}
}

// terminationError builds the diagnostic error delivered to every
// in-flight caller when the connection dies unexpectedly.
func (c *Client) terminationError(readErr error) error {
	c.mu.RLock()
	sup := c.supervisor
	c.mu.RUnlock()

	term := &ServerTerminatedError{}
	if sup != nil {
		select {
		case <-sup.Done():
			term.Exit = sup.ExitErr()
		case <-time.After(readerExitWait):
			// Connection died but the process lingers; no exit status.
		}
		term.Stderr = sup.StderrTail()
	}
	if term.Exit == nil && readErr != nil && readErr != ErrTransportClosed {
		term.Exit = readErr
	}
	return term
}

// SendRequest sends a request and blocks for its response.
//
// Description:
//
//	The default timeout applies when the caller's context has no
//	deadline; pass a context with a deadline to override per call. On
//	timeout the request is not retracted and a late response is
//	silently discarded.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	method - The LSP method to invoke
//	params - Method parameters (will be JSON-marshaled)
//
// Outputs:
//
//	json.RawMessage - The server's result payload, uninterpreted
//	error - *LSPError, ErrRequestTimeout, ErrServerTerminated, or
//	ErrTransportClosed once the request is in flight (a teardown
//	racing the request surfaces as ErrTransportClosed too);
//	ErrShuttingDown or ErrNotRunning for lifecycle rejections; the
//	raw context error when the caller cancels its own context
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Client) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}

	c.mu.RLock()
	state := c.state
	protocol := c.protocol
	timeout := c.requestTimeout
	c.mu.RUnlock()

	switch state {
	case StateRunning:
	case StateShuttingDown:
		return nil, ErrShuttingDown
	default:
		return nil, ErrNotRunning
	}

	if timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	ctx, span := startRequestSpan(ctx, method)
	start := time.Now()
	resp, err := protocol.SendRequest(ctx, method, params)
	recordRequestMetrics(ctx, method, time.Since(start), err)
	finishRequestSpan(span, err)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// SendNotification sends a notification to the server.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Client) SendNotification(method string, params interface{}) error {
	c.mu.RLock()
	state := c.state
	protocol := c.protocol
	c.mu.RUnlock()

	switch state {
	case StateRunning:
	case StateShuttingDown:
		return ErrShuttingDown
	default:
		return ErrNotRunning
	}
	return protocol.SendNotification(method, params)
}

// Shutdown performs the orderly LSP termination sequence.
//
// Description:
//
//	Sends the shutdown request (bounded, failure tolerated), the exit
//	notification, then tears the transport and process down. Safe to
//	call multiple times and from multiple goroutines; only the first
//	call does the work.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Client) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	switch c.state {
	case StateRunning:
	case StateUnstarted, stateStarting:
		// An in-flight Start observes the state change and discards
		// whatever it has built.
		c.state = StateStopped
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
	c.state = StateShuttingDown
	protocol := c.protocol
	c.mu.Unlock()

	ctx, span := tracer.Start(ctx, "lsp.client.shutdown")
	defer span.End()

	slog.Info("Shutting down language server")
	protocol.beginShutdown()

	sctx, cancel := context.WithTimeout(ctx, defaultShutdownRequestTimeout)
	if _, err := protocol.SendRequest(sctx, "shutdown", nil); err != nil {
		slog.Debug("Shutdown request failed", slog.String("error", err.Error()))
	}
	cancel()

	if err := protocol.SendNotification("exit", nil); err != nil {
		slog.Debug("Exit notification failed", slog.String("error", err.Error()))
	}

	return c.teardown()
}

// Stop tears the client down without the LSP handshake.
//
// Description:
//
//	Unconditional teardown for crash paths and impatient hosts: close
//	the transport, terminate the process tree, cancel in-flight
//	requests. Idempotent.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Client) Stop() error {
	c.mu.Lock()
	switch c.state {
	case StateUnstarted, stateStarting:
		// An in-flight Start observes the state change and discards
		// whatever it has built.
		c.state = StateStopped
		c.mu.Unlock()
		return nil
	case StateStopped:
		c.mu.Unlock()
		return nil
	}
	c.state = StateShuttingDown
	protocol := c.protocol
	c.mu.Unlock()

	if protocol != nil {
		protocol.beginShutdown()
	}
	return c.teardown()
}

// teardown closes the protocol, transport and process in order and
// moves the client to Stopped. Every step is idempotent, so racing
// callers and the reader escalation path can all pass through safely.
func (c *Client) teardown() error {
	c.mu.RLock()
	protocol := c.protocol
	transport := c.transport
	sup := c.supervisor
	readDone := c.readDone
	c.mu.RUnlock()

	if protocol != nil {
		// In-flight callers get ErrTransportClosed, the same outcome
		// as any other connection loss from their point of view.
		n := protocol.Close(ErrTransportClosed)
		recordCancelledRequests(context.Background(), n)
	}
	if transport != nil {
		_ = transport.Close()
	}

	var stopErr error
	if sup != nil {
		stopErr = sup.Stop(c.stopGrace)
	}

	if readDone != nil {
		select {
		case <-readDone:
		case <-time.After(readerExitWait):
			slog.Warn("Reader loop did not exit in time")
		}
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	slog.Info("LSP client stopped")
	return stopErr
}
