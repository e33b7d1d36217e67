package storage

import "errors"

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a write violated a uniqueness constraint.
// Callers converge by re-reading and retrying.
var ErrConflict = errors.New("conflict")
