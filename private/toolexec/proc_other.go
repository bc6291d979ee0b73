// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !unix

package toolexec

import "golang.org/x/sys/execabs"

// killGroupOnCancel keeps the default behavior of killing only the tool.
func killGroupOnCancel(process *execabs.Cmd) {}
