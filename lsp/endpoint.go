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
	"time"
)

// TransportKind selects how the client reaches the language server.
type TransportKind int

const (
	// TransportStdio communicates over the child's stdin/stdout pipes.
	TransportStdio TransportKind = iota

	// TransportTCP communicates over a TCP socket. The server may be a
	// spawned child or an externally managed process.
	TransportTCP
)

// String returns a human-readable transport name.
func (k TransportKind) String() string {
	switch k {
	case TransportStdio:
		return "stdio"
	case TransportTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// DefaultTCPConnectTimeout bounds the TCP connect retry loop when the
// endpoint does not specify its own timeout.
const DefaultTCPConnectTimeout = 10 * time.Second

// Endpoint describes how to launch and reach a language server.
//
// Description:
//
//	For stdio endpoints Cmd is required and the child's pipes become the
//	transport. For TCP endpoints Cmd is optional: when present the child
//	is spawned with its stdio discarded and the socket is dialed with a
//	bounded retry; when absent the server is assumed to be already
//	listening.
type Endpoint struct {
	// Kind selects stdio or TCP transport.
	Kind TransportKind

	// Cmd is the server command line (binary plus arguments).
	Cmd []string

	// Dir is the working directory for the spawned process.
	Dir string

	// Env holds extra environment variables merged over the parent's
	// environment.
	Env map[string]string

	// TCPHost is the host to dial for TCP endpoints.
	TCPHost string

	// TCPPort is the port to dial for TCP endpoints.
	TCPPort int

	// TCPConnectTimeout bounds the connect retry loop. Zero means
	// DefaultTCPConnectTimeout.
	TCPConnectTimeout time.Duration

	// InheritProcessGroup leaves the child in the parent's process
	// group. By default the child gets its own group so the whole
	// process tree can be signaled on stop.
	InheritProcessGroup bool
}

// validate checks the endpoint is internally consistent.
func (e Endpoint) validate() error {
	switch e.Kind {
	case TransportStdio:
		if len(e.Cmd) == 0 {
			return errors.New("stdio endpoint requires a command")
		}
	case TransportTCP:
		if e.TCPHost == "" {
			return errors.New("tcp endpoint requires a host")
		}
		if e.TCPPort <= 0 || e.TCPPort > 65535 {
			return fmt.Errorf("tcp endpoint has invalid port %d", e.TCPPort)
		}
	default:
		return fmt.Errorf("unknown transport kind %d", e.Kind)
	}
	return nil
}

// connectTimeout returns the effective TCP connect timeout.
func (e Endpoint) connectTimeout() time.Duration {
	if e.TCPConnectTimeout > 0 {
		return e.TCPConnectTimeout
	}
	return DefaultTCPConnectTimeout
}
