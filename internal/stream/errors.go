package stream

import "errors"

// Streaming errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidToken = errors.New("invalid stream token")
)
