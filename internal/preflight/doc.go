// Package preflight provides readiness checks for the directories and the
// backend that reportq depends on.
//
// The daemon runs RunAll at startup and logs failed checks as warnings; a
// failing backend check never blocks startup because reports are queued
// while the backend is unreachable. The CLI "reportq queue health" command
// prints every result.
package preflight
