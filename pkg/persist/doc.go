// Package persist provides an atomic, file-backed key/value snapshot with
// dot-separated typed accessors.
//
// Save() writes to a sibling temp file and renames it over the target so
// a crash mid-write never leaves a torn file, and Load() falls back to a
// ".old" sibling when the primary file is corrupt. MessageStore and
// Identity are its only two namespaces, matching the "message-store" /
// "identity" top-level keys of broker.bpickle.
package persist
