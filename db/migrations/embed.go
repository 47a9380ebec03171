// Package dbmigrations exposes embedded SQL migrations for tradegate binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tradegate binaries.
//
//go:embed *.sql
var Files embed.FS
