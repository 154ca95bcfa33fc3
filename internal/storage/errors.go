package storage

import "errors"

// Sentinel errors for the storage engine, matched with errors.Is by callers
// the way spec.md §4.1 names them.
var (
	ErrTableNotFound     = errors.New("storage: table not found")
	ErrTypeMismatch      = errors.New("storage: table registered with a different value type")
	ErrNotIterable       = errors.New("storage: table is not declared iterable")
	ErrCorruptCheckpoint = errors.New("storage: checkpoint root does not match expected root")
)
