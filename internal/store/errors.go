package store

import "errors"

// ErrNotFound is returned when a source or destination id does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateICSPath is returned when a source's ics_path collides with an
// existing one.
var ErrDuplicateICSPath = errors.New("ics_path already in use")
