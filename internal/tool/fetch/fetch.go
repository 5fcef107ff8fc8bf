// Package fetch implements docs.fetch: download a document over HTTP(S)
// and optionally store it in the engagement sandbox.
package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/oktsec/mcpgate/internal/netguard"
	"github.com/oktsec/mcpgate/internal/security"
	"github.com/oktsec/mcpgate/internal/tool"
)

// CodeBlocked is reported when the destination is a private or reserved
// address.
const CodeBlocked = "DESTINATION_BLOCKED"

// Config tunes the fetcher.
type Config struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
	Guard        *netguard.Guard
}

// Fetcher is the docs.fetch handler.
type Fetcher struct {
	v         *security.Validator
	guard     *netguard.Guard
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// New returns a Fetcher. Zero config values take defaults.
func New(v *security.Validator, cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "mcpgate-fetch/1.0"
	}
	if cfg.Guard == nil {
		cfg.Guard = &netguard.Guard{}
	}
	return &Fetcher{
		v:         v,
		guard:     cfg.Guard,
		client:    cfg.Guard.Client(cfg.Timeout, cfg.MaxRedirects),
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Execute fetches payload["url"]. When payload["save_as"] is set the body is
// written through the validator and the result carries the saved path
// instead of the content.
func (f *Fetcher) Execute(ctx context.Context, payload map[string]any, engagementID string) (*tool.Result, error) {
	rawURL, err := tool.String(payload, "url", true)
	if err != nil {
		return nil, err
	}
	saveAs, err := tool.String(payload, "save_as", false)
	if err != nil {
		return nil, err
	}

	u, err := f.guard.ValidateURL(rawURL)
	if errors.Is(err, netguard.ErrBlocked) {
		f.logger.Warn("fetch destination blocked", "engagement_id", engagementID, "error", err)
		return nil, tool.Errorf(CodeBlocked, "%v", err)
	}
	if err != nil {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "invalid url: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, tool.Errorf(tool.CodeInvalidArgument, "invalid url: %v", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if errors.Is(err, netguard.ErrBlocked) {
		f.logger.Warn("fetch destination blocked", "engagement_id", engagementID, "error", err)
		return nil, tool.Errorf(CodeBlocked, "%v", err)
	}
	if err != nil {
		return nil, tool.Errorf(tool.CodeUpstream, "fetching %s: %v", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, tool.Errorf(tool.CodeUpstream, "fetching %s: status %d", u.Redacted(), resp.StatusCode)
	}

	mt := "application/octet-stream"
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mt = parsed
		}
	}
	if !security.AllowedMimeType(mt) {
		f.logger.Warn("fetched content type not allowed", "engagement_id", engagementID, "mime_type", mt)
		return nil, &security.MimeTypeError{Path: u.Redacted(), MimeType: mt, Reason: "fetched content type not allowed"}
	}

	if err := f.v.ValidateContentLength(resp.ContentLength); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.v.MaxFileBytes()+1))
	if err != nil {
		return nil, tool.Errorf(tool.CodeUpstream, "reading body: %v", err)
	}
	if err := f.v.ValidateContentSize(body); err != nil {
		return nil, err
	}
	if err := f.v.ValidateContentType(body); err != nil {
		return nil, err
	}

	out := map[string]any{
		"url":       u.Redacted(),
		"status":    resp.StatusCode,
		"mime_type": mt,
		"size":      len(body),
	}

	if saveAs != "" {
		if err := f.v.SecureFileWrite(saveAs, body, engagementID); err != nil {
			return nil, err
		}
		out["saved_as"] = saveAs
		return tool.OK(out), nil
	}

	if strings.HasPrefix(mt, "text/") || mt == "application/json" {
		out["content"] = string(body)
		out["encoding"] = "utf-8"
	} else {
		out["content"] = base64.StdEncoding.EncodeToString(body)
		out["encoding"] = "base64"
	}
	return tool.OK(out), nil
}
