// Package tool defines the contract between the gateway pipeline and the
// capabilities it dispatches to. A tool is registered under a name and is
// invoked with a decoded payload and the caller's engagement id.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Names of the tools the gateway sanctions by default.
const (
	FSRead          = "fs.read"
	FSWrite         = "fs.write"
	FSList          = "fs.list"
	DocsFetch       = "docs.fetch"
	SearchVector    = "search.vector"
	JiraCreateIssue = "jira.createIssue"
	JiraGetIssue    = "jira.getIssue"
)

// DefaultNames returns the default sanctioned tool set. A sanctioned name
// need not be registered.
func DefaultNames() []string {
	return []string{FSRead, FSWrite, FSList, DocsFetch, SearchVector, JiraCreateIssue, JiraGetIssue}
}

// Handler executes one tool call. Handlers must route every filesystem
// access through the security validator.
type Handler interface {
	Execute(ctx context.Context, payload map[string]any, engagementID string) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload map[string]any, engagementID string) (*Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, payload map[string]any, engagementID string) (*Result, error) {
	return f(ctx, payload, engagementID)
}

// Result is what a handler returns on completion.
type Result struct {
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
}

// OK wraps a successful result.
func OK(result map[string]any) *Result {
	return &Result{Success: true, Result: result}
}

// Fail reports an application-level failure.
func Fail(code, msg string) *Result {
	return &Result{Success: false, Error: msg, ErrorCode: code}
}

// Application error codes shared by handlers.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeUpstream        = "UPSTREAM_ERROR"
)

// Error is a typed application error. The pipeline reports its code to the
// caller instead of treating it as an internal failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds an *Error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrDuplicate is returned when a name is registered twice.
var ErrDuplicate = errors.New("tool already registered")

// Registry maps tool names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under name.
func (r *Registry) Register(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: handler is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("tool %s: %w", name, ErrDuplicate)
	}
	r.handlers[name] = h
	return nil
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
