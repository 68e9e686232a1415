package store

import "errors"

// Store error types.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnsupportedType  = errors.New("unsupported file type")
	ErrAlreadyAllocated = errors.New("key already allocated")
	ErrKeyExists        = errors.New("key exists")
	ErrValueTooLarge    = errors.New("value exceeds size budget")
	ErrCorruptChunk     = errors.New("chunk hash mismatch")
)
