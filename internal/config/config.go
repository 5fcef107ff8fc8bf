package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oktsec/mcpgate/internal/safefile"
	"gopkg.in/yaml.v3"
)

// Config is the top-level mcpgate configuration.
type Config struct {
	Version     string                   `yaml:"version"`
	Server      ServerConfig             `yaml:"server"`
	Security    SecurityConfig           `yaml:"security"`
	Engagements map[string]Engagement    `yaml:"engagements,omitempty" validate:"dive"`
	Redaction   RedactionConfig          `yaml:"redaction,omitempty"`
	Audit       AuditConfig              `yaml:"audit"`
	RateLimit   RateLimitConfig          `yaml:"rate_limit,omitempty"`
	Tracing     TracingConfig            `yaml:"tracing,omitempty"`
	Fetch       FetchConfig              `yaml:"fetch,omitempty"`
	Webhooks    []Webhook                `yaml:"webhooks,omitempty" validate:"dive"`
	Backends    map[string]BackendConfig `yaml:"backends,omitempty" validate:"dive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port       int    `yaml:"port" validate:"min=1,max=65535"`
	Bind       string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel   string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat  string `yaml:"log_format,omitempty" validate:"omitempty,oneof=text json"`
	AdminToken string `yaml:"admin_token,omitempty"` // MCPGATE_ADMIN_TOKEN overrides
}

// SecurityConfig configures the validator.
type SecurityConfig struct {
	DataRoot         string   `yaml:"data_root" validate:"required"`
	MaxFileSizeMB    int      `yaml:"max_file_size_mb" validate:"min=1"`
	MaxRequestSizeMB int      `yaml:"max_request_size_mb" validate:"min=1"`
	DefaultTools     []string `yaml:"default_tools,omitempty"` // empty = built-in tool set
	BlockedPatterns  []string `yaml:"blocked_patterns,omitempty"`
}

// Engagement is a per-tenant override of the sanctioned tool set.
type Engagement struct {
	AllowedTools []string `yaml:"allowed_tools" validate:"required,min=1"`
	Description  string   `yaml:"description,omitempty"`
}

// RedactionConfig extends the built-in redaction vocabulary and limits.
type RedactionConfig struct {
	MaxDepth        int             `yaml:"max_depth,omitempty" validate:"min=0"`
	MaxListItems    int             `yaml:"max_list_items,omitempty" validate:"min=0"`
	MaxStringLength int             `yaml:"max_string_length,omitempty" validate:"min=0"`
	MaxTotalSize    int             `yaml:"max_total_size,omitempty" validate:"min=0"`
	SensitiveFields []string        `yaml:"sensitive_fields,omitempty"`
	Patterns        []PatternConfig `yaml:"patterns,omitempty" validate:"dive"`
}

// PatternConfig is an extra redaction pattern.
type PatternConfig struct {
	Label string `yaml:"label" validate:"required"`
	Regex string `yaml:"regex" validate:"required"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Driver        string `yaml:"driver" validate:"oneof=sqlite postgres none"`
	Path          string `yaml:"path,omitempty"` // sqlite database file
	DSN           string `yaml:"dsn,omitempty"`  // postgres connection string
	RetentionDays int    `yaml:"retention_days,omitempty" validate:"min=0"` // 0 = keep forever
}

// RateLimitConfig bounds calls per engagement.
type RateLimitConfig struct {
	Backend       string `yaml:"backend,omitempty" validate:"omitempty,oneof=memory redis"`
	PerEngagement int    `yaml:"per_engagement,omitempty" validate:"min=0"` // 0 = unlimited
	WindowSeconds int    `yaml:"window_seconds,omitempty" validate:"min=0"`
	RedisAddr     string `yaml:"redis_addr,omitempty"`
}

// TracingConfig enables OpenTelemetry spans.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// FetchConfig tunes docs.fetch.
type FetchConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" validate:"min=0"`
	MaxRedirects   int    `yaml:"max_redirects,omitempty" validate:"min=0"`
	UserAgent      string `yaml:"user_agent,omitempty"`
	AllowPrivate   bool   `yaml:"allow_private,omitempty"`
}

// Webhook defines an outgoing notification endpoint.
type Webhook struct {
	URL    string   `yaml:"url" validate:"required,url"`
	Events []string `yaml:"events" validate:"dive,oneof=security_rejected internal_error"`
	// Template is an optional plain-text body sent as Slack-style
	// {"text": ...} JSON. Empty sends the event itself.
	Template string `yaml:"template,omitempty"`
}

// BackendConfig describes a backend MCP server and the gateway tools it
// serves, keyed by gateway tool name with the backend tool name as value.
type BackendConfig struct {
	Transport string            `yaml:"transport" validate:"oneof=stdio http"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Tools     map[string]string `yaml:"tools" validate:"required,min=1"`
}

// maxConfigBytes bounds the config file read.
const maxConfigBytes = 1 << 20

// Load reads and parses an mcpgate config file. Fields missing from the
// file keep their defaults. The file holds the admin token, so a symlink in
// its place is refused.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, maxConfigBytes)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply zero-value defaults after unmarshal
	if cfg.Security.MaxFileSizeMB == 0 {
		cfg.Security.MaxFileSizeMB = 50
	}
	if cfg.Security.MaxRequestSizeMB == 0 {
		cfg.Security.MaxRequestSizeMB = 10
	}
	if cfg.Audit.Driver == "" {
		cfg.Audit.Driver = "sqlite"
	}

	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:      8080,
			Bind:      "127.0.0.1",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Security: SecurityConfig{
			DataRoot:         "./data",
			MaxFileSizeMB:    50,
			MaxRequestSizeMB: 10,
		},
		Engagements: make(map[string]Engagement),
		Audit: AuditConfig{
			Driver: "sqlite",
			Path:   "mcpgate.db",
		},
		RateLimit: RateLimitConfig{
			Backend:       "memory",
			WindowSeconds: 60,
		},
		Tracing: TracingConfig{
			ServiceName: "mcpgate",
		},
		Fetch: FetchConfig{
			TimeoutSeconds: 30,
			MaxRedirects:   3,
		},
	}
}

// Save writes the config to a YAML file at the given path, replacing it
// atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFile(path, data); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Audit.Driver == "postgres" && c.Audit.DSN == "" {
		return errors.New("audit.dsn is required when driver is postgres")
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.RedisAddr == "" {
		return errors.New("rate_limit.redis_addr is required when backend is redis")
	}
	for name, b := range c.Backends {
		switch {
		case b.Transport == "stdio" && b.Command == "":
			return fmt.Errorf("backend %q: command is required for stdio transport", name)
		case b.Transport == "http" && b.URL == "":
			return fmt.Errorf("backend %q: url is required for http transport", name)
		}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, e.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, e.Param()))
		case "url":
			messages = append(messages, fmt.Sprintf("%s must be a valid URL", field))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation: %s", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(messages, "; "))
}
