// Package transport carries exchange payloads to and from the server over
// HTTPS: a narrow Exchanger interface the message-exchange layer depends
// on, a real implementation backed by net/http and crypto/tls with
// public-key pinning and bounded retry, a plain Fetcher for the pinger's
// GET, and an in-memory fake for tests.
package transport
