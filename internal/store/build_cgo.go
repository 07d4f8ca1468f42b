//go:build cgo_sqlite

package store

// Compiled with the cgo_sqlite tag: the C SQLite driver, faster on large
// collections at the cost of requiring CGO.
//
// Build command:
//   CGO_ENABLED=1 go build -tags cgo_sqlite ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use.
	DriverName = "sqlite3"

	// BuildMode describes the current build configuration.
	BuildMode = "cgo"
)
