package submit

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNoIdentifier indicates the backend accepted the request but returned no identifier.
var ErrNoIdentifier = errors.New("backend response carried no identifier")

// ErrorKind classifies submission failures.
type ErrorKind string

const (
	// KindTransient covers network failures, timeouts, throttling and 5xx responses.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers 4xx rejections that a retry will not fix.
	KindPermanent ErrorKind = "permanent"
	// KindProtocol covers successful statuses with an unusable body.
	KindProtocol ErrorKind = "protocol"
)

// Error describes a failed submission.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("submit report: backend returned %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("submit report: %s", msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorKind reports the classification of the failure.
func (e *Error) ErrorKind() string {
	if e == nil || e.Kind == "" {
		return string(KindTransient)
	}
	return string(e.Kind)
}

// ErrorClassifier allows errors to declare their classification. Every kind
// counts as a failed attempt; the kind only shapes logging and alerts.
type ErrorClassifier interface {
	ErrorKind() string
}

// KindOf returns the classification of err. Unclassified errors are transient.
func KindOf(err error) ErrorKind {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return ErrorKind(classifier.ErrorKind())
	}
	if errors.Is(err, ErrNoIdentifier) {
		return KindProtocol
	}
	return KindTransient
}

// Hint returns operator guidance for err suitable for the error_hint log field.
func Hint(err error) string {
	switch KindOf(err) {
	case KindPermanent:
		return "the backend rejected the report; edit it or delete it from the queue"
	case KindProtocol:
		return "the backend response had no report identifier; check the backend submit endpoint"
	default:
		return "the report stays queued and is retried when connectivity returns"
	}
}

func classifyTransport(err error) *Error {
	msg := err.Error()
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "request timed out"
	}
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

func classifyStatus(status int, body string) *Error {
	kind := KindPermanent
	if status >= 500 || status == 408 || status == 425 || status == 429 {
		kind = KindTransient
	}
	if body == "" {
		body = "no response body"
	}
	return &Error{Kind: kind, StatusCode: status, Message: body}
}
