package exchange

import "errors"

// Errors returned by the exchange package.
var (
	// ErrStoreRequired is returned by New when cfg.Store is nil.
	ErrStoreRequired = errors.New("exchange: Config.Store is required")
	// ErrTransportRequired is returned by New when cfg.Transport is nil.
	ErrTransportRequired = errors.New("exchange: Config.Transport is required")
	// ErrIdentityRequired is returned by New when cfg.Identity is nil.
	ErrIdentityRequired = errors.New("exchange: Config.Identity is required")
	// ErrMalformedResponse is returned when the server's response body
	// cannot be decoded into the expected shape.
	ErrMalformedResponse = errors.New("exchange: malformed response body")
)
