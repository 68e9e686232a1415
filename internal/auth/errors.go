package auth

import "errors"

// Auth error types.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("token secret is empty")
	ErrAnonymous    = errors.New("anonymous identity not allowed")
)
