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
	"strconv"
	"strings"
)

// =============================================================================
// BASE PROTOCOL FRAMING
// =============================================================================

// encodeMessage marshals a message and wraps it in a Content-Length frame.
//
// Outputs:
//
//	[]byte - Header and body as a single buffer, ready for one Write
//	error - Non-nil if the payload cannot be marshaled
func encodeMessage(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return encodeFrame(body), nil
}

// encodeFrame wraps a JSON body in a Content-Length frame.
func encodeFrame(body []byte) []byte {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	buf := make([]byte, 0, len(header)+len(body))
	buf = append(buf, header...)
	return append(buf, body...)
}

// parseContentLength extracts the byte count from a Content-Length header
// line. The header name is matched case-insensitively. Returns false for
// any other header line and for malformed or negative values, so a bad
// length is treated the same as an absent one.
func parseContentLength(line string) (int, bool) {
	name, value, ok := strings.Cut(line, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
