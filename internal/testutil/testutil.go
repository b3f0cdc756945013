// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// package testutil provides shared helpers and test doubles: an in-memory
// store and fake SSH plumbing for exercising the console path without a
// network.
package testutil

import (
	"testing"

	"github.com/gatehouse/gatehouse/internal/db"
)

// WithTestStore runs fn against a fresh in-memory SQLite store with the
// full schema applied.
func WithTestStore(t *testing.T, fn func(s db.Store)) {
	t.Helper()
	s, err := db.NewStoreFromDSN("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	fn(s)
}
