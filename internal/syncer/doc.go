// Package syncer drains the report queue.
//
// A Coordinator owns the retry ceiling and a single lock shared by every
// entry point that can submit a queued report: automatic passes triggered by
// connectivity changes, manual resubmits from the console, and edits of a
// queued report. The lock is an in-process semaphore backed by a file lock in
// the data directory, so a CLI resubmit and a running daemon cannot deliver
// the same report twice.
//
// Passes are strictly sequential in enqueue order. Each record's outcome is
// committed on its own (delete on success, retry increment on failure), so an
// aborted pass keeps the bookkeeping for records it already processed.
package syncer
