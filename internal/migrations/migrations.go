package migrations

import "embed"

// Files contains SQL migrations embedded into the binary.
//
// The migrations use a flat naming convention (e.g., 001_init.sql) so the
// runner in the store package can read and order them directly.
//
//go:embed *.sql
var Files embed.FS
