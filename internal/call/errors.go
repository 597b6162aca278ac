package call

import "errors"

// Domain error taxonomy. The HTTP layer maps each sentinel to a stable
// error code; match with errors.Is.
var (
	ErrNotFound          = errors.New("call: not found")
	ErrInvalidTransition = errors.New("call: invalid transition")
	ErrUnauthorized      = errors.New("call: unauthorized")
	ErrAlreadyBusy       = errors.New("call: already busy")
	ErrExpired           = errors.New("call: queue entry expired")
	ErrInvalidArgument   = errors.New("call: invalid argument")
)
