package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reportq/internal/config"
)

const userAgent = "reportq/0.1.0"

// Event names a notification-worthy queue event.
type Event string

const (
	EventSyncCompleted     Event = "sync_completed"
	EventReportQueued      Event = "report_queued"
	EventResubmitSucceeded Event = "resubmit_succeeded"
	EventResubmitFailed    Event = "resubmit_failed"
	EventReportDeleted     Event = "report_deleted"
	EventQuarantined       Event = "report_quarantined"
	EventTestNotification  Event = "test"
)

// Payload carries event fields keyed by name.
type Payload map[string]any

// Service defines the notification surface exposed to queue components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:      topic,
		client:        &http.Client{Timeout: timeout},
		syncSuccess:   cfg.Notifications.SyncSuccess,
		manualActions: cfg.Notifications.ManualActions,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint      string
	client        *http.Client
	syncSuccess   bool
	manualActions bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventSyncCompleted:
		if !n.syncSuccess {
			return message{}, false
		}
		succeeded := payload.count("succeeded")
		if succeeded <= 0 {
			return message{}, false
		}
		noun := "reports"
		if succeeded == 1 {
			noun = "report"
		}
		body := fmt.Sprintf("✅ %d queued %s submitted", succeeded, noun)
		if remaining := payload.count("remaining"); remaining > 0 {
			body = fmt.Sprintf("%s\n%d still queued", body, remaining)
		}
		return message{
			title: "reportq - Reports Sent",
			body:  body,
			tags:  []string{"reportq", "sync", "completed"},
		}, true
	case EventReportQueued:
		if !n.manualActions {
			return message{}, false
		}
		body := fmt.Sprintf("📥 Report saved offline: %s", payload.label())
		if reason := payload.text("reason"); reason != "" {
			body = fmt.Sprintf("%s\nReason: %s", body, reason)
		}
		return message{
			title: "reportq - Report Queued",
			body:  body,
			tags:  []string{"reportq", "queue", "offline"},
		}, true
	case EventResubmitSucceeded:
		if !n.manualActions {
			return message{}, false
		}
		return message{
			title: "reportq - Report Submitted",
			body:  fmt.Sprintf("✅ Report submitted: %s", payload.label()),
			tags:  []string{"reportq", "resubmit", "completed"},
		}, true
	case EventResubmitFailed:
		if !n.manualActions {
			return message{}, false
		}
		body := fmt.Sprintf("❌ Resubmit failed: %s", payload.label())
		if errText := payload.text("error"); errText != "" {
			body = fmt.Sprintf("%s\n%s", body, errText)
		}
		return message{
			title:    "reportq - Resubmit Failed",
			body:     body,
			tags:     []string{"reportq", "resubmit", "failed"},
			priority: "high",
		}, true
	case EventReportDeleted:
		if !n.manualActions {
			return message{}, false
		}
		return message{
			title: "reportq - Report Deleted",
			body:  fmt.Sprintf("🗑️ Queued report deleted: %s", payload.label()),
			tags:  []string{"reportq", "queue", "deleted"},
		}, true
	case EventQuarantined:
		return message{
			title:    "reportq - Unreadable Report",
			body:     fmt.Sprintf("⚠️ Unreadable queued report moved to quarantine: %s", payload.label()),
			tags:     []string{"reportq", "queue", "quarantine"},
			priority: "high",
		}, true
	case EventTestNotification:
		return message{
			title:    "reportq - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"reportq", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, data message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p Payload) text(key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func (p Payload) count(key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// label prefers the accident type label and falls back to the identity key.
func (p Payload) label() string {
	label := p.text("label")
	key := p.text("identityKey")
	switch {
	case label != "" && key != "":
		return fmt.Sprintf("%s (%s)", label, key)
	case label != "":
		return label
	case key != "":
		return key
	default:
		return "unknown report"
	}
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
