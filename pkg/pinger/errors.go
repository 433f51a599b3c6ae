package pinger

import "errors"

// Errors returned by the pinger package.
var (
	// ErrFetcherRequired is returned by New when cfg.Fetcher is nil.
	ErrFetcherRequired = errors.New("pinger: Config.Fetcher is required")
	// ErrIdentityRequired is returned by New when cfg.Identity is nil.
	ErrIdentityRequired = errors.New("pinger: Config.Identity is required")
)
