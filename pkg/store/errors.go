package store

import "errors"

// Errors returned by the store package.
var (
	// ErrMissingType is returned when Add is called with a payload that has
	// no "type" field.
	ErrMissingType = errors.New("store: message payload missing required 'type' field")
)
