// Package registration implements the one-shot handshake that exchanges
// the configured computer-title/account-name for a server-issued
// secure-id, retrying on every exchange round until it succeeds.
//
// The Handler is wired entirely through reactor events: it enqueues a
// "register" message on pre-exchange while the host is unregistered, and
// completes, fails, or resynchronizes the handshake from the inbound
// set-id/registration/unknown-id message types. A small set of named
// probe functions gathers host facts (hostname, virtualization, container
// runtime) before the initial request goes out, and completion is
// delivered through a single first-class handle rather than a callback.
package registration
