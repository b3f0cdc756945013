// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package session

import "io"

// Pump drains an output stream into a session buffer until the stream ends.
// Read errors simply end the pump; nothing propagates past this boundary.
// One pump goroutine runs per live session and blocks only on its own read.
func Pump(r io.Reader, buf *Buffer) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Append(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}
