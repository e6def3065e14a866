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
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// duplexTransport is an in-memory Transport backed by two pipes. The
// matching testPeer plays the language server side.
type duplexTransport struct {
	in  *io.PipeReader
	out *io.PipeWriter
}

// testPeer is the fake server end of a duplexTransport.
type testPeer struct {
	in     *io.PipeReader
	out    *io.PipeWriter
	reader *bufio.Reader
}

func newDuplexTransport() (*duplexTransport, *testPeer) {
	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()
	peer := &testPeer{in: serverReads, out: serverWrites}
	peer.reader = bufio.NewReader(serverReads)
	return &duplexTransport{in: clientReads, out: clientWrites}, peer
}

func (t *duplexTransport) Read(p []byte) (int, error)  { return t.in.Read(p) }
func (t *duplexTransport) Write(p []byte) (int, error) { return t.out.Write(p) }

func (t *duplexTransport) Close() error {
	t.out.Close()
	return t.in.Close()
}

// readFrame reads one framed message the client sent.
func (p *testPeer) readFrame(t *testing.T) rpcMessage {
	t.Helper()
	body, err := readRawFrame(p.reader)
	if err != nil {
		t.Fatalf("peer read frame: %v", err)
	}
	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("peer decode frame: %v", err)
	}
	return msg
}

// writeFrame sends a framed message to the client.
func (p *testPeer) writeFrame(t *testing.T, v interface{}) {
	t.Helper()
	frame, err := encodeMessage(v)
	if err != nil {
		t.Fatalf("peer encode frame: %v", err)
	}
	if _, err := p.out.Write(frame); err != nil {
		t.Fatalf("peer write frame: %v", err)
	}
}

// writeRaw sends raw bytes to the client, for malformed-input tests.
func (p *testPeer) writeRaw(t *testing.T, data []byte) {
	t.Helper()
	if _, err := p.out.Write(data); err != nil {
		t.Fatalf("peer write raw: %v", err)
	}
}

// respond replies to a client request with a result.
func (p *testPeer) respond(t *testing.T, id int64, result interface{}) {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("peer marshal result: %v", err)
	}
	p.writeFrame(t, Response{JSONRPC: JSONRPCVersion, ID: id, Result: raw})
}

// close ends the connection from the server side; the client observes
// EOF, as it would when the server process dies.
func (p *testPeer) close() {
	p.out.Close()
	p.in.Close()
}

// readRawFrame reads one Content-Length framed body from r.
func readRawFrame(r *bufio.Reader) ([]byte, error) {
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if n, ok := parseContentLength(line); ok {
			contentLength = n
		}
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// recordingTransport captures writes and blocks reads until closed.
type recordingTransport struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
	once sync.Once
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{done: make(chan struct{})}
}

func (t *recordingTransport) Read(p []byte) (int, error) {
	<-t.done
	return 0, io.EOF
}

func (t *recordingTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Write(p)
}

func (t *recordingTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// frames re-parses everything written so far into individual bodies.
// Fails the test if the stream is not a clean sequence of frames, which
// is how interleaved writes would show up.
func (t *recordingTransport) frames(tt *testing.T) []rpcMessage {
	tt.Helper()
	t.mu.Lock()
	data := append([]byte(nil), t.buf.Bytes()...)
	t.mu.Unlock()

	r := bufio.NewReader(bytes.NewReader(data))
	var out []rpcMessage
	for {
		body, err := readRawFrame(r)
		if err == io.EOF {
			return out
		}
		if err != nil {
			tt.Fatalf("stream is not cleanly framed: %v", err)
		}
		var msg rpcMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			tt.Fatalf("frame body is not valid JSON: %v (%q)", err, body)
		}
		out = append(out, msg)
	}
}
