package domain

import "errors"

// Store precondition results. Conditional writes return one of these instead
// of silently overwriting.
var (
	ErrNotFound           = errors.New("record not found")
	ErrDuplicateMessage   = errors.New("duplicate message id")
	ErrAlreadyClaimed     = errors.New("job already claimed")
	ErrPreconditionFailed = errors.New("precondition failed")
)
