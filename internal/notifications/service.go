package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clawd/internal/config"
)

const userAgent = "clawd/0.1.0"

// Event identifies an alert type.
type Event string

const (
	EventHandlerFailed  Event = "handler_failed"
	EventPowerOnBattery Event = "power_on_battery"
	EventMemoryPressure Event = "memory_pressure"
	EventTest           Event = "test"
)

// Payload carries event-specific fields.
type Payload map[string]any

// Service publishes alerts.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds an ntfy-backed service, or a no-op when no topic is set.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := cfg.Notifications.RequestTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func format(event Event, payload Payload) (message, bool) {
	switch event {
	case EventHandlerFailed:
		kind := payload.text("kind", "unknown")
		body := fmt.Sprintf("❌ %s event %s failed after %s attempts: %s",
			kind, payload.text("event_id", "?"), payload.text("attempts", "?"), payload.text("error", "unknown error"))
		return message{
			title:    "clawd - Event Failed",
			body:     body,
			tags:     []string{"clawd", "event", kind},
			priority: "high",
		}, true
	case EventPowerOnBattery:
		body := fmt.Sprintf("🔋 Running on battery (%s)", payload.text("supply", "unknown supply"))
		if capacity := payload.text("capacity_percent", ""); capacity != "" {
			body += fmt.Sprintf(", %s%% remaining", capacity)
		}
		return message{
			title: "clawd - On Battery",
			body:  body,
			tags:  []string{"clawd", "power", "battery"},
		}, true
	case EventMemoryPressure:
		body := fmt.Sprintf("🧠 Memory at %s%%; forced reclamation", payload.text("system_percent", "?"))
		if unloaded := payload.text("unloaded", ""); unloaded != "" {
			body += fmt.Sprintf(" (unloaded %s)", unloaded)
		}
		return message{
			title:    "clawd - Memory Pressure",
			body:     body,
			tags:     []string{"clawd", "memory", "alert"},
			priority: "high",
		}, true
	case EventTest:
		return message{
			title:    "clawd - Test",
			body:     "🧪 Notification system test",
			tags:     []string{"clawd", "test"},
			priority: "low",
		}, true
	default:
		return message{}, false
	}
}

func (p Payload) text(key, fallback string) string {
	value, ok := p[key]
	if !ok || value == nil {
		return fallback
	}
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []string:
		s = strings.Join(v, ", ")
	case float64:
		s = fmt.Sprintf("%.1f", v)
	default:
		s = fmt.Sprint(v)
	}
	if s = strings.TrimSpace(s); s == "" {
		return fallback
	}
	return s
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
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

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
