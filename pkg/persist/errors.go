package persist

import "errors"

// Errors returned by the persist package.
var (
	// ErrNotAMap is returned when Set or Remove is asked to descend through
	// a path segment whose existing value is not itself a nested map.
	ErrNotAMap = errors.New("persist: path segment is not a map")
)
