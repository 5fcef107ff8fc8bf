// Package notify delivers gateway security events to webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oktsec/mcpgate/internal/config"
	"github.com/oktsec/mcpgate/internal/netguard"
)

// Event names, matching webhook event filters.
const (
	EventSecurityRejected = "security_rejected"
	EventInternalError    = "internal_error"
)

// Event is the payload sent to webhook endpoints. It never carries the
// call payload.
type Event struct {
	Event        string `json:"event"`
	CallID       string `json:"call_id"`
	Tool         string `json:"tool"`
	EngagementID string `json:"engagement_id"`
	ErrorCode    string `json:"error_code,omitempty"`
	Error        string `json:"error,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Notifier is the interface the gateway depends on.
type Notifier interface {
	Notify(Event)
}

// Nop drops every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(Event) {}

// Webhooks sends notifications to configured webhooks.
type Webhooks struct {
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewWebhooks creates a notifier from config. URLs rejected by the guard
// are logged and skipped.
func NewWebhooks(webhooks []config.Webhook, guard *netguard.Guard, logger *slog.Logger) *Webhooks {
	if guard == nil {
		guard = &netguard.Guard{}
	}
	var valid []config.Webhook
	for _, wh := range webhooks {
		if _, err := guard.ValidateURL(wh.URL); err != nil {
			logger.Warn("skipping invalid webhook URL", "url", wh.URL, "error", err)
			continue
		}
		valid = append(valid, wh)
	}
	return &Webhooks{
		webhooks: valid,
		client:   guard.Client(5*time.Second, 2),
		logger:   logger,
	}
}

// Notify sends the event to all matching webhooks (fire-and-forget).
func (n *Webhooks) Notify(event Event) {
	for _, wh := range n.webhooks {
		if !matchesEvent(wh.Events, event.Event) {
			continue
		}
		body, err := encode(wh.Template, event)
		if err != nil {
			n.logger.Error("webhook marshal failed", "error", err)
			continue
		}
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.send(url, body)
		}(wh.URL)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (n *Webhooks) Wait() {
	n.wg.Wait()
}

func encode(tmpl string, event Event) ([]byte, error) {
	if tmpl == "" {
		return json.Marshal(event)
	}
	return []byte(RenderTemplate(tmpl, event)), nil
}

// RenderTemplate replaces {{TAG}} placeholders in a plain-text template,
// then wraps the result in Slack-compatible JSON: {"text":"..."}.
func RenderTemplate(tmpl string, event Event) string {
	r := strings.NewReplacer(
		"{{EVENT}}", event.Event,
		"{{CALL_ID}}", event.CallID,
		"{{TOOL}}", event.Tool,
		"{{ENGAGEMENT}}", event.EngagementID,
		"{{CODE}}", event.ErrorCode,
		"{{ERROR}}", event.Error,
		"{{TIMESTAMP}}", event.Timestamp,
	)
	payload, _ := json.Marshal(map[string]string{"text": r.Replace(tmpl)})
	return string(payload)
}

func (n *Webhooks) send(url string, body []byte) {
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Warn("webhook returned error", "url", url, "status", resp.StatusCode)
	}
}

func matchesEvent(configured []string, event string) bool {
	if len(configured) == 0 {
		return true // no filter = all events
	}
	for _, e := range configured {
		if e == event {
			return true
		}
	}
	return false
}
