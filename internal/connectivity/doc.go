// Package connectivity watches whether the reporting backend is reachable and
// notifies subscribers when that changes.
//
// The Monitor probes the backend with an HTTP HEAD request on a fixed
// interval. On Linux it also listens for udev netlink events from the net
// subsystem so an interface coming up triggers a probe immediately instead of
// waiting for the next tick. Subscribers receive the first observed state and
// then only transitions.
package connectivity
