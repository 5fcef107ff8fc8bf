// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oktsec/mcpgate/internal/gateway"
	"github.com/oktsec/mcpgate/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configure the HTTP surface.
type Options struct {
	Gateway        *gateway.Gateway // required
	Limiter        ratelimit.Limiter
	Metrics        prometheus.Gatherer
	TracerProvider trace.TracerProvider
	AdminToken     string // empty disables the admin routes
	MaxBodyBytes   int64
	Version        string
}

// NewHandler returns the routed and instrumented handler.
func NewHandler(opts Options, logger *slog.Logger) http.Handler {
	h := &handlers{
		gw:           opts.Gateway,
		limiter:      opts.Limiter,
		adminToken:   opts.AdminToken,
		maxBodyBytes: opts.MaxBodyBytes,
		version:      opts.Version,
		logger:       logger,
	}
	if h.limiter == nil {
		h.limiter = ratelimit.Unlimited{}
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = 20 << 20
	}
	if h.version == "" {
		h.version = "dev"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tools/call", h.call)
	mux.HandleFunc("GET /v1/tools", h.tools)
	mux.HandleFunc("GET /v1/admin/engagements/{id}/allowlist", h.admin(h.getAllowlist))
	mux.HandleFunc("PUT /v1/admin/engagements/{id}/allowlist", h.admin(h.putAllowlist))
	mux.HandleFunc("DELETE /v1/admin/engagements/{id}/allowlist", h.admin(h.deleteAllowlist))
	mux.HandleFunc("GET /health", h.health)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = securityHeaders(handler)
	handler = logging(logger)(handler)
	handler = recovery(logger)(handler)
	handler = requestID(handler)

	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return otelhttp.NewHandler(handler, "mcpgate.http",
		otelhttp.WithTracerProvider(tp),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Server is the mcpgate HTTP server.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	port   int
	logger *slog.Logger
}

// New binds bind:port and prepares the server. A busy port is replaced by
// the next free one within ten ports.
func New(bind string, port int, opts Options, logger *slog.Logger) (*Server, error) {
	if bind == "" {
		bind = "127.0.0.1"
	}
	ln, actualPort, err := listenAutoPort(bind, port, logger)
	if err != nil {
		return nil, fmt.Errorf("binding port: %w", err)
	}

	srv := &http.Server{
		Handler:        NewHandler(opts, logger),
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   60 * time.Second,
	}
	return &Server{srv: srv, ln: ln, port: actualPort, logger: logger}, nil
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	addr := net.JoinHostPort(bind, fmt.Sprint(port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		// Port 0 lets the OS choose.
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	if port == 0 || !isAddrInUse(err) {
		return nil, 0, err
	}

	logger.Warn("port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		ln, err = net.Listen("tcp", net.JoinHostPort(bind, fmt.Sprint(tryPort)))
		if err == nil {
			logger.Info("using alternative port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.EADDRINUSE)
	}
	return errors.Is(err, syscall.EADDRINUSE)
}

// Port returns the port the server is bound to.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("mcpgate server starting", "addr", s.Addr())
	if err := s.srv.Serve(s.ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.srv.Shutdown(ctx)
}
