// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build windows

package lsp

import (
	"os"
	"syscall"
)

// sysProcAttr has no process-group equivalent on Windows; the child is
// killed directly and its descendants are left to the OS.
func sysProcAttr(ownGroup bool) *syscall.SysProcAttr {
	return nil
}

// signalGroup kills the process. Windows has no SIGTERM, so graceful and
// forced stops are the same.
func signalGroup(pid int, graceful bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
