// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

package session

import "sync"

// Buffer is the append-only output store for one live session. The pump is
// the only writer; the caller drains it when rendering terminal output.
// Drained bytes are gone, matching the poll-and-clear read model.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// Append adds a chunk of raw output. Safe for use concurrently with Drain.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
}

// Drain returns everything appended since the last drain and clears the
// buffer.
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.data
	b.data = nil
	return out
}

// Len reports the number of undrained bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
