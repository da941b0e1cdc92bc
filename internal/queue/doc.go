// Package queue persists accident reports that could not be delivered and
// exposes the operations the sync engine and manual console use to drain them.
//
// The Store keeps one row per report in SQLite, keyed by the report's identity
// key, with an autoincrement sequence that preserves enqueue order. Every
// mutation is a single-record atomic write (insert, in-place replace, retry
// increment, delete) so a crash mid-pass never requires re-deriving the whole
// queue. Rows whose payload cannot be decoded are moved to a quarantine table
// instead of being discarded.
//
// Manager layers the queue semantics on top of the Store: identity-key
// uniqueness, update-in-place enqueue, and the configured policy for
// unreadable state. Schema changes bump the version in schema.go; users clear
// the database (or export and re-import) to adopt the new schema.
package queue
