package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateID         = errors.New("duplicate id")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNoHoldToCharge      = errors.New("no pre-authorization to charge")
	ErrUpstreamUnavailable = errors.New("hold processor unavailable")
	ErrUpstreamRejected    = errors.New("hold processor rejected operation")
	ErrFetchFailed         = errors.New("position fetch failed")
	ErrLockHeld            = errors.New("lock already held")
)
