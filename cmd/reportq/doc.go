// Command reportq runs the accident report queue daemon and the operator CLI.
//
// The daemon submits queued reports whenever connectivity returns and serves
// the presentation API. CLI commands open the queue database directly and
// take the same sync lock as the daemon, so a manual resubmit never races an
// automatic pass.
package main
