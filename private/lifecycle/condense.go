// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package lifecycle

import (
	"bufio"
	"bytes"
	"runtime"
)

// stackSummary returns the stacks of all goroutines that mention needle,
// with file positions dropped so that a stuck worker fits in one log line.
func stackSummary(needle string) string {
	buf := make([]byte, 1<<20)
	buf = buf[:runtime.Stack(buf, true)]
	return string(condenseStack(buf, []byte(needle)))
}

func condenseStack(buf, needle []byte) (out []byte) {
	// a malformed dump is returned as is.
	defer func() {
		if recover() != nil {
			out = buf
		}
	}()

	for _, g := range bytes.Split(buf, []byte("\n\n")) {
		if len(needle) > 0 && !bytes.Contains(g, needle) {
			continue
		}

		lines := bufio.NewScanner(bytes.NewReader(g))
		for lines.Scan() {
			line := lines.Bytes()
			switch {
			case len(line) == 0:
			case bytes.HasPrefix(line, []byte("goroutine ")):
				const gi = len("goroutine ")
				out = append(out, line[:gi+bytes.IndexByte(line[gi:], ' ')]...)
				out = append(out, '\n')
			case line[0] == '\t':
				// file:line follows the frame it belongs to
			case bytes.HasPrefix(line, []byte("created by")):
			default:
				if n := bytes.LastIndexByte(line, '('); n > 0 {
					line = line[:n]
				}
				out = append(out, '\t')
				out = append(out, line...)
				out = append(out, '\n')
			}
		}
		if lines.Err() != nil {
			return buf
		}
	}
	return out
}
