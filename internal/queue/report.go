package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// reportEnvelope is the subset of the report form the queue cares about.
type reportEnvelope struct {
	IdentityKey             string `json:"identityKey" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	UseCase                 string `json:"useCase" validate:"omitempty,max=64"`
	AccidentTypeLabel       string `json:"accidentTypeLabel" validate:"omitempty,max=256"`
	AccidentTypeDescription string `json:"accidentTypeDescription" validate:"omitempty,max=2048"`
	NearestLandMark         string `json:"nearestLandMark" validate:"omitempty,max=512"`
}

// ParseReport validates a raw report payload and returns its identity key
// alongside the compacted payload.
func ParseReport(raw []byte) (string, json.RawMessage, error) {
	if !validPayloadObject(raw) {
		return "", nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidReport)
	}
	var env reportEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	env.IdentityKey = strings.TrimSpace(env.IdentityKey)
	if err := validate.Struct(env); err != nil {
		return "", nil, fmt.Errorf("%w: %s", ErrInvalidReport, describeValidation(err))
	}
	compact, err := compactJSON(raw)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	return env.IdentityKey, compact, nil
}

// HasIdentityKey reports whether raw is a JSON object carrying a non-blank
// identity key.
func HasIdentityKey(raw []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	existing, ok := fields["identityKey"]
	if !ok {
		return false
	}
	var key string
	return json.Unmarshal(existing, &key) == nil && strings.TrimSpace(key) != ""
}

// AssignIdentityKey stamps an identity key onto a payload that lacks one.
// Payloads that already carry a key are returned unchanged; keys are never
// regenerated.
func AssignIdentityKey(raw []byte, now time.Time) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidReport)
	}
	if HasIdentityKey(raw) {
		return raw, nil
	}
	key, err := json.Marshal(NewIdentityKey(now))
	if err != nil {
		return nil, err
	}
	fields["identityKey"] = key
	if _, ok := fields["createdAt"]; !ok {
		fields["createdAt"] = key
	}
	return json.Marshal(fields)
}

// NewIdentityKey formats t the way clients format identity keys.
func NewIdentityKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func compactJSON(raw []byte) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
