// Package config loads, normalizes, and validates reportq configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// REPORTQ_BACKEND_TOKEN. The Config type centralizes every knob the daemon and
// CLI need so the queue database, backend endpoint, connectivity probe, and
// retry ceiling are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
