package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oktsec/mcpgate/internal/gateway"
	"github.com/oktsec/mcpgate/internal/ratelimit"
	"github.com/oktsec/mcpgate/internal/security"
	"github.com/oktsec/mcpgate/internal/tool"
	"github.com/oktsec/mcpgate/internal/tool/fstool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const adminToken = "s3cret-admin"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T, reg prometheus.Registerer) *gateway.Gateway {
	t.Helper()
	v, err := security.NewValidator(security.Config{
		DataRoot:         t.TempDir(),
		MaxFileSizeMB:    1,
		MaxRequestSizeMB: 1,
		DefaultTools:     tool.DefaultNames(),
	}, testLogger())
	require.NoError(t, err)

	r := tool.NewRegistry()
	require.NoError(t, fstool.New(v).Register(r))

	deps := gateway.Deps{Validator: v, Registry: r, Logger: testLogger()}
	if reg != nil {
		deps.Metrics = gateway.NewMetrics(reg)
	}
	return gateway.New(deps)
}

func newHandler(t *testing.T, mutate func(*Options)) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts := Options{
		Gateway:    newGateway(t, reg),
		Metrics:    reg,
		AdminToken: adminToken,
		Version:    "test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewHandler(opts, testLogger())
}

func do(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func callBody(toolName, engagement string, payload map[string]any) map[string]any {
	return map[string]any{"tool": toolName, "engagement_id": engagement, "payload": payload}
}

func TestCall_Success(t *testing.T) {
	h := newHandler(t, nil)

	w := do(t, h, http.MethodPost, "/v1/tools/call",
		callBody(tool.FSWrite, "eng-1", map[string]any{"path": "a.txt", "content": "hi"}),
		map[string]string{"X-Call-ID": "call-42"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "call-42", body["call_id"])
	assert.Equal(t, "call-42", w.Header().Get("X-Call-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotContains(t, body, "State")
}

func TestCall_StatusMapping(t *testing.T) {
	h := newHandler(t, nil)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unsanctioned tool", callBody("shell.exec", "eng-1", nil), http.StatusForbidden, gateway.CodeSecurityError},
		{"sanctioned but unregistered", callBody(tool.SearchVector, "eng-1", nil), http.StatusNotFound, gateway.CodeToolNotFound},
		{"missing tool", callBody("", "eng-1", nil), http.StatusBadRequest, gateway.CodeInvalidRequest},
		{"bad engagement", callBody(tool.FSList, "../other", nil), http.StatusBadRequest, gateway.CodeInvalidRequest},
		{"path escape", callBody(tool.FSRead, "eng-1", map[string]any{"path": "../../etc/passwd"}), http.StatusForbidden, gateway.CodeSecurityError},
		{"missing file", callBody(tool.FSRead, "eng-1", map[string]any{"path": "nope.txt"}), http.StatusUnprocessableEntity, tool.CodeNotFound},
		{"oversized payload", callBody(tool.FSWrite, "eng-1", map[string]any{"path": "a", "content": strings.Repeat("x", 1<<20+1)}), http.StatusRequestEntityTooLarge, gateway.CodeSizeLimitExceeded},
		{"invalid json", "{not json", http.StatusBadRequest, gateway.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/v1/tools/call", tt.body, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			body := decode(t, w)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.code, body["error_code"])
		})
	}
}

func TestCall_BodyTooLarge(t *testing.T) {
	h := newHandler(t, func(o *Options) { o.MaxBodyBytes = 64 })

	w := do(t, h, http.MethodPost, "/v1/tools/call",
		callBody(tool.FSWrite, "eng-1", map[string]any{"content": strings.Repeat("x", 256)}), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, gateway.CodeSizeLimitExceeded, decode(t, w)["error_code"])
}

func TestCall_RateLimited(t *testing.T) {
	h := newHandler(t, func(o *Options) { o.Limiter = ratelimit.NewSliding(1, time.Minute) })

	w := do(t, h, http.MethodPost, "/v1/tools/call", callBody(tool.FSList, "eng-1", nil), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/v1/tools/call", callBody(tool.FSList, "eng-1", nil), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, decode(t, w)["error_code"])

	// Limits are per engagement.
	w = do(t, h, http.MethodPost, "/v1/tools/call", callBody(tool.FSList, "eng-2", nil), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestCall_LimiterUnavailable(t *testing.T) {
	h := newHandler(t, func(o *Options) { o.Limiter = failingLimiter{} })

	w := do(t, h, http.MethodPost, "/v1/tools/call", callBody(tool.FSList, "eng-1", nil), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeUnavailable, decode(t, w)["error_code"])
}

func TestTools(t *testing.T) {
	h := newHandler(t, nil)

	w := do(t, h, http.MethodGet, "/v1/tools?engagement_id=eng-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.ElementsMatch(t, []any{tool.FSList, tool.FSRead, tool.FSWrite}, body["registered"])
	assert.Len(t, body["sanctioned"], len(tool.DefaultNames()))
	assert.Len(t, body["allowed"], len(tool.DefaultNames()))

	w = do(t, h, http.MethodGet, "/v1/tools?engagement_id=a/b", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_Auth(t *testing.T) {
	h := newHandler(t, nil)
	path := "/v1/admin/engagements/eng-1/allowlist"

	w := do(t, h, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	disabled := newHandler(t, func(o *Options) { o.AdminToken = "" })
	w = do(t, disabled, http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeAdminDisabled, decode(t, w)["error_code"])
}

func TestAdmin_AllowlistLifecycle(t *testing.T) {
	h := newHandler(t, nil)
	path := "/v1/admin/engagements/eng-1/allowlist"
	auth := map[string]string{"Authorization": "Bearer " + adminToken}

	w := do(t, h, http.MethodPut, path, map[string]any{"tools": []string{tool.FSRead}}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []any{tool.FSRead}, decode(t, w)["tools"])

	w = do(t, h, http.MethodGet, path, nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["configured"])

	// The override is enforced by the pipeline.
	w = do(t, h, http.MethodPost, "/v1/tools/call",
		callBody(tool.FSWrite, "eng-1", map[string]any{"path": "a.txt", "content": "x"}), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Another engagement is unaffected.
	w = do(t, h, http.MethodPost, "/v1/tools/call",
		callBody(tool.FSWrite, "eng-2", map[string]any{"path": "a.txt", "content": "x"}), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodDelete, path, nil, auth)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodGet, path, nil, auth)
	assert.Equal(t, false, decode(t, w)["configured"])
}

func TestAdmin_RejectsUnsanctionedTools(t *testing.T) {
	h := newHandler(t, nil)
	auth := map[string]string{"Authorization": "Bearer " + adminToken}

	w := do(t, h, http.MethodPut, "/v1/admin/engagements/eng-1/allowlist",
		map[string]any{"tools": []string{"shell.exec"}}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, gateway.CodeSecurityError, decode(t, w)["error_code"])

	w = do(t, h, http.MethodPut, "/v1/admin/engagements/bad%20id/allowlist",
		map[string]any{"tools": []string{tool.FSRead}}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, gateway.CodeInvalidRequest, decode(t, w)["error_code"])
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHandler(t, nil)

	w := do(t, h, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "ok", "version": "test"}, decode(t, w))

	do(t, h, http.MethodPost, "/v1/tools/call", callBody(tool.FSList, "eng-1", nil), nil)

	w = do(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `mcpgate_tool_calls_total{state="SUCCEEDED",tool="fs.list"} 1`)
}

func TestTracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	h := newHandler(t, func(o *Options) { o.TracerProvider = tp })

	do(t, h, http.MethodGet, "/health", nil, nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /health", spans[0].Name())
}

func TestRecovery(t *testing.T) {
	h := recovery(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode(t, w)["error_code"])
}

func TestRecovery_AfterHeadersWritten(t *testing.T) {
	h := recovery(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("partial"))
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestRequestID(t *testing.T) {
	h := newHandler(t, nil)

	upstream := "5b1f0c2e-8d0a-4c1e-9f5e-2a7b3c4d5e6f"
	w := do(t, h, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": upstream})
	assert.Equal(t, upstream, w.Header().Get("X-Request-ID"))

	w = do(t, h, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "evil\nlog line"})
	got := w.Header().Get("X-Request-ID")
	assert.NotEqual(t, "evil\nlog line", got)
	assert.Len(t, got, 36)
}

func TestLogging_LevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/call":
			w.Header().Set("X-Call-ID", "call-7")
			_, _ = w.Write([]byte("{}"))
		}
	}))

	for _, path := range []string{"/health", "/missing", "/call"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "level=DEBUG")
	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], "status=404")
	assert.Contains(t, lines[2], "level=INFO")
	assert.Contains(t, lines[2], "call_id=call-7")
	assert.Contains(t, lines[2], "bytes=2")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		state gateway.State
		code  string
		want  int
	}{
		{gateway.StateSucceeded, "", http.StatusOK},
		{gateway.StateSecurityRejected, gateway.CodeSecurityError, http.StatusForbidden},
		{gateway.StateSecurityRejected, gateway.CodeSizeLimitExceeded, http.StatusRequestEntityTooLarge},
		{gateway.StateApplicationError, gateway.CodeToolNotFound, http.StatusNotFound},
		{gateway.StateApplicationError, gateway.CodeInvalidRequest, http.StatusBadRequest},
		{gateway.StateApplicationError, gateway.CodeToolError, http.StatusUnprocessableEntity},
		{gateway.StateInternalError, gateway.CodeInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.state, tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(&gateway.Response{State: tt.state, ErrorCode: tt.code}))
		})
	}
}

func TestListenAutoPort_FallsBack(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	ln, actual, err := listenAutoPort("127.0.0.1", port, testLogger())
	if err != nil {
		t.Skipf("no free port near %d: %v", port, err)
	}
	defer ln.Close()
	assert.Greater(t, actual, port)
	assert.LessOrEqual(t, actual, port+10)
}

func TestServer_StartShutdown(t *testing.T) {
	s, err := New("127.0.0.1", 0, Options{Gateway: newGateway(t, nil)}, testLogger())
	require.NoError(t, err)
	assert.NotZero(t, s.Port())

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-errc)
}
