package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/oktsec/mcpgate/internal/config"
	"github.com/oktsec/mcpgate/internal/netguard"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	bodies []string
	ctype  string
}

func (r *recorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(b))
		r.ctype = req.Header.Get("Content-Type")
		r.mu.Unlock()
		w.WriteHeader(200)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestNotify_SendsMatchingEvents(t *testing.T) {
	rec := &recorder{}
	ts := rec.server(t)

	n := NewWebhooks([]config.Webhook{
		{URL: ts.URL + "/rejected", Events: []string{EventSecurityRejected}},
		{URL: ts.URL + "/internal", Events: []string{EventInternalError}},
	}, &netguard.Guard{AllowPrivate: true}, testLogger())

	n.Notify(Event{
		Event:        EventSecurityRejected,
		CallID:       "call-1",
		Tool:         "fs.read",
		EngagementID: "tenant-a",
		ErrorCode:    "SECURITY_ERROR",
	})
	n.Wait()

	if len(rec.bodies) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(rec.bodies))
	}
	if rec.ctype != "application/json" {
		t.Errorf("content-type = %q, want application/json", rec.ctype)
	}
	var got Event
	if err := json.Unmarshal([]byte(rec.bodies[0]), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.CallID != "call-1" || got.EngagementID != "tenant-a" {
		t.Errorf("event = %+v", got)
	}
}

func TestNotify_Template(t *testing.T) {
	rec := &recorder{}
	ts := rec.server(t)

	n := NewWebhooks([]config.Webhook{
		{URL: ts.URL, Template: "{{EVENT}} on {{TOOL}} for {{ENGAGEMENT}} ({{CODE}})"},
	}, &netguard.Guard{AllowPrivate: true}, testLogger())

	n.Notify(Event{Event: EventSecurityRejected, Tool: "fs.write", EngagementID: "tenant-a", ErrorCode: "SIZE_LIMIT_EXCEEDED"})
	n.Wait()

	if len(rec.bodies) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(rec.bodies))
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(rec.bodies[0]), &payload); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if want := "security_rejected on fs.write for tenant-a (SIZE_LIMIT_EXCEEDED)"; payload["text"] != want {
		t.Errorf("text = %q, want %q", payload["text"], want)
	}
}

func TestNewWebhooks_SkipsInvalidURLs(t *testing.T) {
	n := NewWebhooks([]config.Webhook{
		{URL: "https://valid.example.com/hook"},
		{URL: "https://127.0.0.1/bad"},
		{URL: "https://10.0.0.1/bad"},
		{URL: "ftp://example.com/file"},
		{URL: "https://also-valid.example.com/hook"},
	}, nil, testLogger())
	if len(n.webhooks) != 2 {
		t.Errorf("expected 2 valid webhooks, got %d", len(n.webhooks))
	}
}

func TestMatchesEvent(t *testing.T) {
	tests := []struct {
		configured []string
		event      string
		want       bool
	}{
		{nil, EventSecurityRejected, true},
		{[]string{EventSecurityRejected}, EventSecurityRejected, true},
		{[]string{EventSecurityRejected}, EventInternalError, false},
		{[]string{EventInternalError, EventSecurityRejected}, EventInternalError, true},
	}
	for _, tc := range tests {
		if got := matchesEvent(tc.configured, tc.event); got != tc.want {
			t.Errorf("matchesEvent(%v, %q) = %v, want %v", tc.configured, tc.event, got, tc.want)
		}
	}
}

func TestRenderTemplate_AllTags(t *testing.T) {
	result := RenderTemplate("{{EVENT}} {{CALL_ID}} {{TOOL}} {{ENGAGEMENT}} {{CODE}} {{ERROR}} {{TIMESTAMP}}", Event{
		Event:        "internal_error",
		CallID:       "c1",
		Tool:         "docs.fetch",
		EngagementID: "e1",
		ErrorCode:    "INTERNAL_ERROR",
		Error:        "Internal server error",
		Timestamp:    "2026-10-14T10:00:00Z",
	})
	var payload map[string]string
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
	want := "internal_error c1 docs.fetch e1 INTERNAL_ERROR Internal server error 2026-10-14T10:00:00Z"
	if payload["text"] != want {
		t.Errorf("text = %q, want %q", payload["text"], want)
	}
}
