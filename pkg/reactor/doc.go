// Package reactor implements the broker's single in-process event bus and
// timer facility, used by every other component instead of ad hoc
// goroutines or callback fields.
//
// Listeners are registered with CallOn, dispatched synchronously and in
// subscription order by Fire, and removed with Cancel. Compound event
// keys such as ("message-type-acceptance-changed", "computer-info") are
// handled by the tagged variants and joined into one map key via a single
// non-printable separator, consistently, everywhere a tagged event is
// used. CallLater wraps time.AfterFunc into the same Handle/Cancel
// lifecycle as listeners.
package reactor
