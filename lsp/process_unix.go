// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !windows

package lsp

import "syscall"

// sysProcAttr places the child in its own process group so that stop
// signals reach the whole server process tree, not just the immediate
// child. Language servers routinely fork helpers (gopls forks gopls,
// typescript-language-server forks tsserver).
func sysProcAttr(ownGroup bool) *syscall.SysProcAttr {
	if !ownGroup {
		return nil
	}
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the child's process group, falling back to the
// single process if the group signal fails (e.g. the child was left in
// our own group). graceful selects SIGTERM over SIGKILL.
func signalGroup(pid int, graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}
