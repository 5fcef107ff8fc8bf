package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/oktsec/mcpgate/internal/audit"
	"github.com/oktsec/mcpgate/internal/config"
)

// ErrDenied is returned by commands that already reported a rejection.
// main exits with status 2 without printing it again.
var ErrDenied = errors.New("denied")

// loadConfig reads the config file, falling back to defaults when it does
// not exist. MCPGATE_ADMIN_TOKEN overrides server.admin_token.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	if tok := os.Getenv("MCPGATE_ADMIN_TOKEN"); tok != "" {
		cfg.Server.AdminToken = tok
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// configExists reports whether the config flag points at an existing file.
func configExists() bool {
	_, err := os.Stat(cfgFile)
	return err == nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// newLogger builds the process logger from the server section.
func newLogger(cfg config.ServerConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// quietLogger only reports errors. CLI commands use it so their output
// stays readable.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openAudit(cfg config.AuditConfig, logger *slog.Logger) (*audit.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return audit.NewStore(cfg.Path, logger)
	case "postgres":
		return audit.NewPGStore(cfg.DSN, logger)
	}
	return nil, errors.New("audit log disabled (audit.driver is none)")
}
