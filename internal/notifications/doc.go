// Package notifications delivers queue events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Automatic sync passes only ever publish the aggregate success
// count; manual console actions publish both outcomes so the user sees an
// alert either way.
package notifications
