// Package submit delivers one queued report to the reporting backend.
//
// A submission only counts as delivered when the backend answers with a
// truthy identifier; any other response shape is a failure. Every request
// carries the report's identity key as its Idempotency-Key so a backend that
// honours the header can collapse the duplicates an at-least-once queue
// produces.
package submit
