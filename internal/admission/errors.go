package admission

import (
	"errors"
	"fmt"
)

// Admission error types.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrBlocked          = errors.New("caller is blocked")
	ErrCapacityExceeded = errors.New("storage capacity exceeded")
	ErrOversizedChunk   = errors.New("too many bytes in chunk")
	ErrTooManyChunks    = errors.New("too many chunks")
)

// Refinements of ErrUnauthorized. errors.Is matches both the refinement and ErrUnauthorized.
var (
	ErrAnonymous    = fmt.Errorf("%w: anonymous caller", ErrUnauthorized)
	ErrNotOwner     = fmt.Errorf("%w: caller is not the owner of the file", ErrUnauthorized)
	ErrNotSuperuser = fmt.Errorf("%w: caller is not a superuser", ErrUnauthorized)
)
