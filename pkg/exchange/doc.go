// Package exchange implements the scheduler/state machine at the heart of
// the broker: it periodically packages the outbound message store into a
// single HTTPS round, dispatches whatever the server sends back, and
// reschedules itself based on urgency.
//
// An Exchange is built from a Config carrying its collaborators, keeps
// its state under one mutex, and drives itself with reactor timers: the
// main exchange timer, and a secondary timer that fires
// "impending-exchange" shortly before each round so clients can flush
// last-minute measurements.
package exchange
