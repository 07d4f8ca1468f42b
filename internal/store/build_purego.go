//go:build !cgo_sqlite

package store

// Compiled by default: pure Go SQLite, no C toolchain required, suitable
// for cross-compilation. Vector math always runs in Go regardless of
// driver, so the only trade-off is raw SQLite throughput.
//
// Build command:
//   go build ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use.
	DriverName = "sqlite"

	// BuildMode describes the current build configuration.
	BuildMode = "purego"
)
