package registration

import "errors"

// Errors returned by the registration package.
var (
	// ErrStoreRequired is returned by New when cfg.Store is nil.
	ErrStoreRequired = errors.New("registration: Config.Store is required")
	// ErrIdentityRequired is returned by New when cfg.Identity is nil.
	ErrIdentityRequired = errors.New("registration: Config.Identity is required")
	// ErrNotConfigured is returned by Register when computer-title or
	// account-name (or both) has not been configured.
	ErrNotConfigured = errors.New("registration: computer-title and account-name must both be set")
	// ErrRegistrationFailed is the rejection reason used for a Register()
	// Future when the server's failure message carries no info text.
	ErrRegistrationFailed = errors.New("registration: server rejected registration")
)
