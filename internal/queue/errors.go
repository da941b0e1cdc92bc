package queue

import "errors"

var (
	// ErrNotFound indicates no queued report has the requested identity key.
	ErrNotFound = errors.New("queued report not found")
	// ErrDuplicateKey indicates an insert would break identity-key uniqueness.
	ErrDuplicateKey = errors.New("identity key already queued")
	// ErrCorruptRecord indicates persisted state could not be decoded.
	ErrCorruptRecord = errors.New("queued report is unreadable")
	// ErrInvalidReport indicates a payload failed intake validation.
	ErrInvalidReport = errors.New("invalid report payload")
)
