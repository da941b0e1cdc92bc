// Package console implements the manual queue operations screens use to
// inspect, resubmit, edit and delete queued reports.
//
// Every mutating action goes through the sync coordinator, so it waits for a
// running pass instead of racing it. Results carry an Alert for both success
// and failure; background passes never raise per-record alerts, manual
// actions always do.
package console
