// Package app assembles a gateway from configuration. Both the HTTP server
// and the stdio MCP server are built on top of it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oktsec/mcpgate/internal/audit"
	"github.com/oktsec/mcpgate/internal/config"
	"github.com/oktsec/mcpgate/internal/gateway"
	"github.com/oktsec/mcpgate/internal/netguard"
	"github.com/oktsec/mcpgate/internal/notify"
	"github.com/oktsec/mcpgate/internal/ratelimit"
	"github.com/oktsec/mcpgate/internal/redact"
	"github.com/oktsec/mcpgate/internal/security"
	"github.com/oktsec/mcpgate/internal/tool"
	"github.com/oktsec/mcpgate/internal/tool/backend"
	"github.com/oktsec/mcpgate/internal/tool/fetch"
	"github.com/oktsec/mcpgate/internal/tool/fstool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// App owns every long-lived component built from one config.
type App struct {
	Validator      *security.Validator
	Registry       *tool.Registry
	Redactor       *redact.Redactor
	Gateway        *gateway.Gateway
	Limiter        ratelimit.Limiter
	Metrics        *prometheus.Registry
	TracerProvider trace.TracerProvider
	Audit          *audit.Store // nil when audit.driver is none

	backends []*backend.Backend
	webhooks *notify.Webhooks
	closers  []func(context.Context) error
	logger   *slog.Logger

	mu          sync.Mutex
	engagements map[string]bool // engagements whose allowlist came from config
}

// New builds the gateway and its collaborators. Backends are connected
// before New returns. On error every component opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{logger: logger, engagements: make(map[string]bool)}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Validator, err = NewValidator(cfg.Security, logger)
	if err != nil {
		return nil, err
	}
	if err := a.ApplyEngagements(cfg.Engagements); err != nil {
		return nil, err
	}

	a.Redactor, err = NewRedactor(cfg.Redaction, logger)
	if err != nil {
		return nil, err
	}

	a.Registry = tool.NewRegistry()
	if err := a.registerTools(ctx, cfg); err != nil {
		return nil, err
	}

	var sink audit.Sink = audit.Discard
	switch cfg.Audit.Driver {
	case "sqlite":
		a.Audit, err = audit.NewStore(cfg.Audit.Path, logger)
	case "postgres":
		a.Audit, err = audit.NewPGStore(cfg.Audit.DSN, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	if a.Audit != nil {
		sink = a.Audit
		a.closers = append(a.closers, func(context.Context) error { return a.Audit.Close() })
		if n, err := a.Audit.PurgeOldEntries(cfg.Audit.RetentionDays); err != nil {
			logger.Warn("audit purge failed", "error", err)
		} else if n > 0 {
			logger.Info("purged old audit records", "count", n, "retention_days", cfg.Audit.RetentionDays)
		}
	}

	a.Limiter, err = a.newLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	a.Metrics = prometheus.NewRegistry()
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.TracerProvider, err = a.newTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	a.webhooks = notify.NewWebhooks(cfg.Webhooks, &netguard.Guard{}, logger)

	a.Gateway = gateway.New(gateway.Deps{
		Validator: a.Validator,
		Registry:  a.Registry,
		Redactor:  a.Redactor,
		Audit:     sink,
		Notifier:  a.webhooks,
		Metrics:   gateway.NewMetrics(a.Metrics),
		Tracer:    a.TracerProvider.Tracer("github.com/oktsec/mcpgate/internal/gateway"),
		Logger:    logger,
	})

	logger.Info("gateway ready",
		"data_root", a.Validator.DataRoot(),
		"tools", a.Registry.Names(),
		"audit", cfg.Audit.Driver,
	)
	return a, nil
}

// NewValidator builds the security validator from the security section.
// An empty default_tools list means the built-in tool set.
func NewValidator(cfg config.SecurityConfig, logger *slog.Logger) (*security.Validator, error) {
	defaults := cfg.DefaultTools
	if len(defaults) == 0 {
		defaults = tool.DefaultNames()
	}
	v, err := security.NewValidator(security.Config{
		DataRoot:         cfg.DataRoot,
		MaxFileSizeMB:    cfg.MaxFileSizeMB,
		MaxRequestSizeMB: cfg.MaxRequestSizeMB,
		DefaultTools:     defaults,
		BlockedPatterns:  cfg.BlockedPatterns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating validator: %w", err)
	}
	return v, nil
}

// NewRedactor builds the redactor from the redaction section. Configured
// fields and patterns extend the built-in ones.
func NewRedactor(cfg config.RedactionConfig, logger *slog.Logger) (*redact.Redactor, error) {
	patterns := make([]redact.Pattern, 0, len(cfg.Patterns))
	for _, p := range cfg.Patterns {
		patterns = append(patterns, redact.Pattern{Label: p.Label, Regex: p.Regex})
	}
	r, err := redact.New(redact.Options{
		MaxDepth:        cfg.MaxDepth,
		MaxListItems:    cfg.MaxListItems,
		MaxStringLength: cfg.MaxStringLength,
		MaxTotalSize:    cfg.MaxTotalSize,
		SensitiveFields: cfg.SensitiveFields,
		Patterns:        patterns,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating redactor: %w", err)
	}
	return r, nil
}

func (a *App) registerTools(ctx context.Context, cfg *config.Config) error {
	if err := fstool.New(a.Validator).Register(a.Registry); err != nil {
		return err
	}

	f := fetch.New(a.Validator, fetch.Config{
		Timeout:      time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxRedirects: cfg.Fetch.MaxRedirects,
		UserAgent:    cfg.Fetch.UserAgent,
		Guard:        &netguard.Guard{AllowPrivate: cfg.Fetch.AllowPrivate},
	}, a.logger)
	if err := a.Registry.Register(tool.DocsFetch, f); err != nil {
		return err
	}

	for name, bc := range cfg.Backends {
		b := backend.New(name, bc, a.logger)
		if err := b.Connect(ctx); err != nil {
			return err
		}
		a.backends = append(a.backends, b)
		a.closers = append(a.closers, func(context.Context) error { return b.Close() })
		if err := b.Register(a.Registry); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) newLimiter(cfg config.RateLimitConfig) (ratelimit.Limiter, error) {
	if cfg.PerEngagement <= 0 {
		return ratelimit.Unlimited{}, nil
	}
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if cfg.Backend != "redis" {
		return ratelimit.NewSliding(cfg.PerEngagement, window), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return ratelimit.NewRedis(client, cfg.PerEngagement, window), nil
}

func (a *App) newTracerProvider(cfg config.TracingConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}
	// Spans go to stderr so stdout stays free for the stdio transport.
	exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "mcpgate"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	a.closers = append(a.closers, tp.Shutdown)
	return tp, nil
}

// ApplyEngagements installs the configured allowlists and clears the ones
// that were removed from config since the last call. Allowlists set
// through the admin API for other engagements are left alone. Every entry
// is checked before any is applied.
func (a *App) ApplyEngagements(engagements map[string]config.Engagement) error {
	sanctioned := make(map[string]bool)
	for _, t := range a.Validator.DefaultTools() {
		sanctioned[t] = true
	}
	for id, e := range engagements {
		if !gateway.ValidEngagementID(id) {
			return fmt.Errorf("engagement %q: invalid id", id)
		}
		for _, t := range e.AllowedTools {
			if !sanctioned[t] {
				return fmt.Errorf("engagement %q: %w: %s", id, security.ErrToolNotSanctioned, t)
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, e := range engagements {
		if err := a.Validator.SetEngagementAllowlist(id, e.AllowedTools); err != nil {
			return err
		}
	}
	for id := range a.engagements {
		if _, ok := engagements[id]; !ok {
			a.Validator.ClearEngagementAllowlist(id)
		}
	}
	a.engagements = make(map[string]bool, len(engagements))
	for id := range engagements {
		a.engagements[id] = true
	}
	return nil
}

// Close stops backends, flushes the audit log and shuts down tracing, in
// reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.webhooks != nil {
		a.webhooks.Wait()
	}
	return errors.Join(errs...)
}
