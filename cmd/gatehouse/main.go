// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// Package main builds the distributable gatehouse binary. It is a thin
// shim over the shared CLI so release builds and `go run .` behave the
// same.
package main

import (
	"os"

	"github.com/gatehouse/gatehouse/internal/cli"
)

var version = "dev"

func main() {
	cli.Version = version
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
