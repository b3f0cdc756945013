// Copyright (c) 2026 Gatehouse Team
// Gatehouse - bastion SSH console
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Gatehouse.
//
// Usage:
//
//	go run . [flags]
//	./gatehouse [flags]
//
// This launches the Gatehouse CLI. See --help for options.
package main

import (
	"os"

	"github.com/gatehouse/gatehouse/internal/cli"
)

// version is set at build time using -ldflags, e.g.:
// go build -ldflags "-X main.version=1.2.3"
var version = "dev"

func main() {
	cli.Version = version
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
