// Package api defines the wire-format types and services behind the HTTP
// presentation API. Screens render these DTOs without depending on queue or
// sync internals.
//
// # Key Types
//
// ReportService: list, describe, file, edit, resubmit and delete reports, and
// run an on-demand sync pass. Manual actions go through the console so every
// response carries a user-facing alert.
//
// StatusResponse: daemon state, connectivity, the last sync pass and queue
// counts.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Timestamps use RFC3339 with milliseconds.
// Report payloads pass through as json.RawMessage.
package api
