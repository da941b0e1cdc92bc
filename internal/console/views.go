package console

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"reportq/internal/queue"
)

// ReportView is the presentation form of a queued report.
type ReportView struct {
	IdentityKey     string          `json:"identityKey"`
	UseCase         string          `json:"useCase,omitempty"`
	AccidentType    string          `json:"accidentType"`
	Description     string          `json:"description,omitempty"`
	NearestLandMark string          `json:"nearestLandMark,omitempty"`
	Status          string          `json:"status"`
	Retries         int             `json:"retries"`
	Exhausted       bool            `json:"exhausted"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// NewView builds the list form of rec; detail adds the full payload.
func NewView(rec queue.Record, maxRetries int, detail bool) ReportView {
	summary := rec.Summary()
	view := ReportView{
		IdentityKey:     rec.IdentityKey,
		UseCase:         summary.UseCase,
		AccidentType:    displayLabel(summary.AccidentTypeLabel),
		Description:     summary.AccidentTypeDescription,
		NearestLandMark: summary.NearestLandMark,
		Status:          string(rec.Status),
		Retries:         rec.Retries,
		Exhausted:       rec.Exhausted(maxRetries),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	if detail {
		view.Payload = rec.Payload
	}
	return view
}

// displayLabel normalizes separators and title-cases an accident type label.
func displayLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return "Unspecified Accident"
	}
	label = strings.Map(func(r rune) rune {
		if r == '_' || r == '-' || unicode.IsSpace(r) {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, label)
	return cases.Title(language.Und).String(strings.Join(strings.Fields(label), " "))
}
