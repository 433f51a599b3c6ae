// Package broker assembles the message-exchange engine and exposes it to
// co-located client plugins.
//
// A Service owns exactly one Persist, one message Store, one Exchange,
// one Pinger and one registration Handler, wired together at construction
// and started/stopped as a unit. The Server facade is what local clients
// see: enqueue operations, registry introspection, registration, and a
// fan-out of broker events to every registered client.
package broker
