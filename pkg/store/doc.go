// Package store implements the durable, totally-ordered outbound message
// queue at the heart of the broker: dense sequence assignment,
// pending-window packaging, per-type acceptance filtering, and the
// client/server sequence accounting that decides when records may be
// deleted.
package store
