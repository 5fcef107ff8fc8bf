// Package security is the gateway's policy engine. It decides whether a
// filesystem or tool operation is permitted for an engagement: path
// containment, tenant isolation, MIME allowlisting, size ceilings, and
// per-engagement tool allowlists.
//
// Every check is synchronous and fails with a typed error. Nothing in this
// package downgrades a failed check to a warning.
package security

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

const bytesPerMB = 1024 * 1024

// Config holds the values the surrounding service supplies at startup.
type Config struct {
	DataRoot         string
	MaxFileSizeMB    int
	MaxRequestSizeMB int

	// DefaultTools is the global sanctioned tool set. Engagements without
	// an explicit allowlist get this set, and no allowlist may exceed it.
	DefaultTools []string

	// BlockedPatterns are doublestar globs matched against the path
	// relative to the engagement root, e.g. "**/.ssh/**" or "**/*.pem".
	BlockedPatterns []string
}

// Validator is the single arbiter of engagement-scoped operations.
// It is safe for concurrent use.
type Validator struct {
	dataRoot        string
	maxFileBytes    int64
	maxRequestBytes int64
	blocked         []string
	logger          *slog.Logger

	defaults toolSet

	mu         sync.RWMutex
	allowlists map[string]toolSet
}

// NewValidator creates the data root if needed and canonicalizes it.
func NewValidator(cfg Config, logger *slog.Logger) (*Validator, error) {
	if cfg.DataRoot == "" {
		return nil, fmt.Errorf("data root is required")
	}
	if cfg.MaxFileSizeMB <= 0 {
		return nil, fmt.Errorf("invalid max file size: %d MB", cfg.MaxFileSizeMB)
	}
	if cfg.MaxRequestSizeMB <= 0 {
		return nil, fmt.Errorf("invalid max request size: %d MB", cfg.MaxRequestSizeMB)
	}
	for _, p := range cfg.BlockedPatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid blocked pattern %q", p)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving data root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing data root: %w", err)
	}

	return &Validator{
		dataRoot:        root,
		maxFileBytes:    int64(cfg.MaxFileSizeMB) * bytesPerMB,
		maxRequestBytes: int64(cfg.MaxRequestSizeMB) * bytesPerMB,
		blocked:         append([]string(nil), cfg.BlockedPatterns...),
		logger:          logger,
		defaults:        newToolSet(cfg.DefaultTools),
		allowlists:      make(map[string]toolSet),
	}, nil
}

// DataRoot returns the canonical data root.
func (v *Validator) DataRoot() string {
	return v.dataRoot
}

// MaxFileBytes returns the per-file size ceiling in bytes.
func (v *Validator) MaxFileBytes() int64 {
	return v.maxFileBytes
}

// MaxRequestBytes returns the request/response size ceiling in bytes.
func (v *Validator) MaxRequestBytes() int64 {
	return v.maxRequestBytes
}

// PreventCrossTenantAccess fails unless requesting and target name the same
// engagement.
func (v *Validator) PreventCrossTenantAccess(requesting, target string) error {
	if requesting != target {
		v.logger.Warn("cross-tenant access blocked",
			"requesting_engagement", requesting,
			"target_engagement", target,
		)
		return &CrossTenantError{
			Requesting: requesting,
			Target:     target,
			Reason:     "access to another engagement denied",
		}
	}
	return nil
}
