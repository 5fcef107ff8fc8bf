// Package gateway runs every tool call through the same pipeline: request
// size, tenant authorization, dispatch and result size. Each call produces
// exactly one Response and one audit record.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oktsec/mcpgate/internal/audit"
	"github.com/oktsec/mcpgate/internal/notify"
	"github.com/oktsec/mcpgate/internal/redact"
	"github.com/oktsec/mcpgate/internal/security"
	"github.com/oktsec/mcpgate/internal/tool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Deps are the collaborators of a Gateway. Validator, Registry and Logger
// are required; the rest default to no-ops.
type Deps struct {
	Validator *security.Validator
	Registry  *tool.Registry
	Redactor  *redact.Redactor
	Audit     audit.Sink
	Notifier  notify.Notifier
	Metrics   *Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Gateway is the call pipeline. It is safe for concurrent use.
type Gateway struct {
	validator *security.Validator
	registry  *tool.Registry
	redactor  *redact.Redactor
	audit     audit.Sink
	notifier  notify.Notifier
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

// New creates a gateway from deps.
func New(deps Deps) *Gateway {
	g := &Gateway{
		validator: deps.Validator,
		registry:  deps.Registry,
		redactor:  deps.Redactor,
		audit:     deps.Audit,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    deps.Logger,
	}
	if g.redactor == nil {
		g.redactor = redact.Default()
	}
	if g.audit == nil {
		g.audit = audit.Discard
	}
	if g.notifier == nil {
		g.notifier = notify.Nop{}
	}
	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("mcpgate/gateway")
	}
	return g
}

// outcome is the terminal result of one pass through the pipeline.
type outcome struct {
	state  State
	code   string
	msg    string
	result map[string]any
}

func succeeded(result map[string]any) outcome {
	return outcome{state: StateSucceeded, result: result}
}

func rejected(code string, err error) outcome {
	return outcome{state: StateSecurityRejected, code: code, msg: err.Error()}
}

func appError(code, msg string) outcome {
	return outcome{state: StateApplicationError, code: code, msg: msg}
}

func internalError() outcome {
	return outcome{state: StateInternalError, code: CodeInternalError, msg: InternalErrorMessage}
}

// Call runs req through the pipeline. It never panics and always returns a
// response.
func (g *Gateway) Call(ctx context.Context, req Request) *Response {
	start := time.Now()

	callID := strings.TrimSpace(req.CallID)
	if callID == "" {
		callID = uuid.NewString()
	}
	toolName := strings.TrimSpace(req.Tool)
	log := g.logger.With("call_id", callID, "tool", toolName, "engagement_id", req.EngagementID)

	ctx, span := g.tracer.Start(ctx, "gateway.call",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("mcpgate.call_id", callID),
			attribute.String("mcpgate.tool", toolName),
			attribute.String("mcpgate.engagement_id", req.EngagementID),
		),
	)
	defer span.End()

	if g.metrics != nil {
		g.metrics.InFlight.Inc()
		defer g.metrics.InFlight.Dec()
	}

	log.Debug("call received", g.redactor.Attr("payload", req.Payload))

	o := g.run(ctx, log, toolName, req)

	elapsed := time.Since(start)
	resp := &Response{
		Success:         o.state == StateSucceeded,
		Result:          o.result,
		Error:           o.msg,
		ErrorCode:       o.code,
		CallID:          callID,
		ExecutionTimeMs: float64(elapsed) / float64(time.Millisecond),
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		State:           o.state,
	}

	g.finish(log, span, toolName, req, resp, elapsed)
	return resp
}

// run executes the pipeline stages in order. Any panic below this point
// becomes INTERNAL_ERROR.
func (g *Gateway) run(ctx context.Context, log *slog.Logger, toolName string, req Request) (o outcome) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("tool call panicked", "panic", fmt.Sprint(p), "stack", string(debug.Stack()))
			o = internalError()
		}
	}()

	// RECEIVED
	if toolName == "" {
		log.Warn("invalid request", "reason", "empty tool name")
		return appError(CodeInvalidRequest, "tool name is required")
	}
	if !ValidEngagementID(req.EngagementID) {
		log.Warn("invalid request", "reason", "malformed engagement id")
		return appError(CodeInvalidRequest, "engagement_id must contain only letters, digits, hyphen and underscore")
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	// SIZE_CHECKED
	if err := g.validator.ValidateRequestSize(payload); errors.Is(err, security.ErrUnmeasurable) {
		log.Warn("invalid request", "reason", "payload is not JSON encodable", "error", err)
		return appError(CodeInvalidRequest, "payload must be JSON encodable")
	} else if err != nil {
		log.Warn("request rejected", "state", StateSecurityRejected, "error", err)
		return rejected(CodeSizeLimitExceeded, err)
	}

	// TENANT_AUTHORIZED
	if err := g.validator.ValidateToolAccess(toolName, req.EngagementID); err != nil {
		log.Warn("request rejected", "state", StateSecurityRejected, "error", err)
		return rejected(CodeSecurityError, err)
	}
	// A payload naming an engagement must name the caller's own.
	if target, ok := payload[payloadEngagementKey]; ok {
		id, _ := target.(string)
		if err := g.validator.PreventCrossTenantAccess(req.EngagementID, id); err != nil {
			log.Warn("request rejected", "state", StateSecurityRejected, "error", err)
			return rejected(CodeSecurityError, err)
		}
	}

	// DISPATCHED
	h, ok := g.registry.Get(toolName)
	if !ok {
		log.Warn("tool not registered")
		return appError(CodeToolNotFound, fmt.Sprintf("tool %q is not registered", toolName))
	}

	res, err := h.Execute(ctx, payload, req.EngagementID)
	if err != nil {
		return g.classify(log, err)
	}
	if res == nil {
		log.Error("tool returned neither result nor error")
		return internalError()
	}
	if !res.Success {
		code := res.ErrorCode
		if code == "" {
			code = CodeToolError
		}
		log.Warn("tool failed", "error_code", code, "error", res.Error)
		return appError(code, res.Error)
	}

	// The result is bounded by the same ceiling as the request.
	if err := g.validator.ValidateRequestSize(res.Result); errors.Is(err, security.ErrUnmeasurable) {
		log.Error("tool result is not JSON encodable", "error", err)
		return internalError()
	} else if err != nil {
		log.Warn("result rejected", "state", StateSecurityRejected, "error", err)
		return rejected(CodeSizeLimitExceeded, err)
	}
	return succeeded(res.Result)
}

// classify maps a handler error onto a terminal outcome.
func (g *Gateway) classify(log *slog.Logger, err error) outcome {
	var te *tool.Error
	switch {
	case security.IsSizeError(err):
		log.Warn("tool rejected by size limit", "state", StateSecurityRejected, "error", err)
		return rejected(CodeSizeLimitExceeded, err)
	case security.IsSecurityError(err):
		log.Warn("tool rejected by security policy", "state", StateSecurityRejected, "error", err)
		return rejected(CodeSecurityError, err)
	case errors.As(err, &te):
		log.Warn("tool failed", "error_code", te.Code, "error", te.Message)
		return appError(te.Code, te.Message)
	default:
		log.Error("tool call failed", "error", err)
		return internalError()
	}
}

// finish records the outcome in every sink.
func (g *Gateway) finish(log *slog.Logger, span trace.Span, toolName string, req Request, resp *Response, elapsed time.Duration) {
	rec := audit.Record{
		CallID:          resp.CallID,
		Timestamp:       resp.Timestamp,
		Tool:            toolName,
		EngagementID:    req.EngagementID,
		State:           string(resp.State),
		ErrorCode:       resp.ErrorCode,
		Error:           resp.Error,
		Payload:         g.redactor.RedactForLogging(req.Payload, "payload"),
		ExecutionTimeMs: resp.ExecutionTimeMs,
	}
	if resp.Result != nil {
		rec.Result = g.redactor.RedactForLogging(resp.Result, "result")
	}
	g.audit.Log(rec)

	log.Info("call completed",
		"state", resp.State,
		"error_code", resp.ErrorCode,
		"execution_time_ms", resp.ExecutionTimeMs,
	)

	span.SetAttributes(attribute.String("mcpgate.state", string(resp.State)))
	if resp.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("mcpgate.error_code", resp.ErrorCode))
		span.SetStatus(codes.Error, resp.ErrorCode)
	}

	if g.metrics != nil {
		label := toolName
		if !g.registry.Has(toolName) {
			label = "unregistered"
		}
		g.metrics.CallsTotal.WithLabelValues(label, string(resp.State)).Inc()
		g.metrics.CallDuration.WithLabelValues(label).Observe(elapsed.Seconds())
		if resp.ErrorCode != "" {
			g.metrics.ErrorsTotal.WithLabelValues(resp.ErrorCode).Inc()
		}
	}

	var event string
	switch resp.State {
	case StateSecurityRejected:
		event = notify.EventSecurityRejected
	case StateInternalError:
		event = notify.EventInternalError
	default:
		return
	}
	g.notifier.Notify(notify.Event{
		Event:        event,
		CallID:       resp.CallID,
		Tool:         toolName,
		EngagementID: req.EngagementID,
		ErrorCode:    resp.ErrorCode,
		Error:        resp.Error,
		Timestamp:    resp.Timestamp,
	})
}

// SetAllowlist replaces the allowlist of an engagement.
func (g *Gateway) SetAllowlist(engagementID string, tools []string) error {
	if !ValidEngagementID(engagementID) {
		return fmt.Errorf("invalid engagement id %q", engagementID)
	}
	return g.validator.SetEngagementAllowlist(engagementID, tools)
}

// GetAllowlist returns the effective allowlist of an engagement.
func (g *Gateway) GetAllowlist(engagementID string) []string {
	return g.validator.GetEngagementAllowlist(engagementID)
}

// ClearAllowlist drops an engagement override so defaults apply again.
func (g *Gateway) ClearAllowlist(engagementID string) {
	g.validator.ClearEngagementAllowlist(engagementID)
}

// HasAllowlist reports whether the engagement has its own allowlist.
func (g *Gateway) HasAllowlist(engagementID string) bool {
	return g.validator.HasEngagementAllowlist(engagementID)
}

// Tools returns the registered tool names, sorted.
func (g *Gateway) Tools() []string {
	return g.registry.Names()
}

// Sanctioned returns the default sanctioned tool set.
func (g *Gateway) Sanctioned() []string {
	return g.validator.DefaultTools()
}
