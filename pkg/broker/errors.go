package broker

import "errors"

// Errors returned by the broker package.
var (
	// ErrNoServerURL is returned by Config.Validate when no exchange URL
	// is configured.
	ErrNoServerURL = errors.New("broker: config URL is required")
	// ErrNoDataPath is returned by Config.Validate when no data path is
	// configured.
	ErrNoDataPath = errors.New("broker: config data path is required")
	// ErrStoreRequired is returned by NewServer when no message store is
	// supplied.
	ErrStoreRequired = errors.New("broker: ServerConfig.Store is required")
	// ErrUnknownConnector is returned by RegisterClient when name has no
	// entry in the connector registry.
	ErrUnknownConnector = errors.New("broker: unknown client connector")
	// ErrClientsStopFailed is returned by StopClients when at least one
	// client's exit call failed.
	ErrClientsStopFailed = errors.New("broker: one or more clients failed to stop")
	// ErrAlreadyStarted is returned by Start on a running service.
	ErrAlreadyStarted = errors.New("broker: service already started")
	// ErrNotStarted is returned by Stop on a service that never started.
	ErrNotStarted = errors.New("broker: service not started")
)
