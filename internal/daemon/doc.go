// Package daemon coordinates the long-running reportq process.
//
// It wires the queue, the sync coordinator, the connectivity monitor and the
// HTTP presentation API into a single lifecycle, with flock-based locking to
// prevent multiple instances. Connectivity changes reach the coordinator
// through a monitor subscription; each online event starts a sync pass unless
// one is already running.
//
// Keep orchestration here. Queue semantics belong in the queue and syncer
// packages; the daemon only starts, stops and connects them.
package daemon
