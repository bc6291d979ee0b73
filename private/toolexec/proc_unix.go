// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build unix

package toolexec

import (
	"syscall"

	"golang.org/x/sys/execabs"
)

// killGroupOnCancel starts the tool in its own process group and kills the
// whole group when the context is done.
func killGroupOnCancel(process *execabs.Cmd) {
	process.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	process.Cancel = func() error {
		return syscall.Kill(-process.Process.Pid, syscall.SIGKILL)
	}
}
