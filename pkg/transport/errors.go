package transport

import "errors"

// Errors returned by the transport package.
var (
	// ErrServerURLRequired is returned when Config.ServerURL is empty.
	ErrServerURLRequired = errors.New("transport: server URL is required")
	// ErrUnexpectedStatus is returned when the server responds with a
	// status code outside the 2xx range.
	ErrUnexpectedStatus = errors.New("transport: unexpected response status")
	// ErrPinnedKeyMismatch is returned when the server's TLS certificate
	// does not match the pinned public key.
	ErrPinnedKeyMismatch = errors.New("transport: server certificate does not match pinned public key")
	// ErrBadSignature is returned when a response's X-Message-Signature
	// header does not match its body.
	ErrBadSignature = errors.New("transport: response signature mismatch")
)
