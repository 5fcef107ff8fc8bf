package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oktsec/mcpgate/internal/gateway"
	"github.com/oktsec/mcpgate/internal/ratelimit"
	"github.com/oktsec/mcpgate/internal/security"
)

// Codes reported by the HTTP layer before a call reaches the pipeline.
const (
	CodeRateLimited   = "RATE_LIMITED"
	CodeUnavailable   = "UNAVAILABLE"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeAdminDisabled = "ADMIN_DISABLED"
)

// StatusFor maps a pipeline response onto an HTTP status code.
func StatusFor(resp *gateway.Response) int {
	switch resp.State {
	case gateway.StateSucceeded:
		return http.StatusOK
	case gateway.StateSecurityRejected:
		if resp.ErrorCode == gateway.CodeSizeLimitExceeded {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusForbidden
	case gateway.StateApplicationError:
		switch resp.ErrorCode {
		case gateway.CodeToolNotFound:
			return http.StatusNotFound
		case gateway.CodeInvalidRequest:
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type handlers struct {
	gw           *gateway.Gateway
	limiter      ratelimit.Limiter
	adminToken   string
	maxBodyBytes int64
	version      string
	logger       *slog.Logger
}

// call handles POST /v1/tools/call.
func (h *handlers) call(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, gateway.CodeSizeLimitExceeded, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, gateway.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.CallID == "" {
		req.CallID = r.Header.Get("X-Call-ID")
	}

	if req.EngagementID != "" {
		ok, err := h.limiter.Allow(r.Context(), req.EngagementID)
		if err != nil {
			h.logger.Error("rate limiter unavailable", "engagement_id", req.EngagementID, "error", err)
			writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "rate limiter unavailable")
			return
		}
		if !ok {
			h.logger.Warn("rate limited", "engagement_id", req.EngagementID, "tool", req.Tool)
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded for engagement")
			return
		}
	}

	resp := h.gw.Call(r.Context(), req)
	w.Header().Set("X-Call-ID", resp.CallID)
	writeJSON(w, StatusFor(resp), resp)
}

// tools handles GET /v1/tools. With ?engagement_id= the effective allowlist
// of that engagement is included.
func (h *handlers) tools(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"registered": h.gw.Tools(),
		"sanctioned": h.gw.Sanctioned(),
	}
	if id := r.URL.Query().Get("engagement_id"); id != "" {
		if !gateway.ValidEngagementID(id) {
			writeError(w, http.StatusBadRequest, gateway.CodeInvalidRequest, "invalid engagement id")
			return
		}
		out["engagement_id"] = id
		out["allowed"] = h.gw.GetAllowlist(id)
	}
	writeJSON(w, http.StatusOK, out)
}

type allowlistBody struct {
	EngagementID string   `json:"engagement_id"`
	Tools        []string `json:"tools"`
	Configured   bool     `json:"configured"`
}

func (h *handlers) getAllowlist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !gateway.ValidEngagementID(id) {
		writeError(w, http.StatusBadRequest, gateway.CodeInvalidRequest, "invalid engagement id")
		return
	}
	writeJSON(w, http.StatusOK, allowlistBody{
		EngagementID: id,
		Tools:        h.gw.GetAllowlist(id),
		Configured:   h.gw.HasAllowlist(id),
	})
}

func (h *handlers) putAllowlist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var body struct {
		Tools []string `json:"tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, gateway.CodeInvalidRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.gw.SetAllowlist(id, body.Tools); err != nil {
		code := gateway.CodeInvalidRequest
		if errors.Is(err, security.ErrToolNotSanctioned) {
			code = gateway.CodeSecurityError
		}
		writeError(w, http.StatusBadRequest, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, allowlistBody{
		EngagementID: id,
		Tools:        h.gw.GetAllowlist(id),
		Configured:   true,
	})
}

func (h *handlers) deleteAllowlist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !gateway.ValidEngagementID(id) {
		writeError(w, http.StatusBadRequest, gateway.CodeInvalidRequest, "invalid engagement id")
		return
	}
	h.gw.ClearAllowlist(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// admin requires the bearer admin token. Without a configured token the
// admin routes are disabled.
func (h *handlers) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			writeError(w, http.StatusForbidden, CodeAdminDisabled, "admin API disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			h.logger.Warn("admin request rejected", "path", r.URL.Path, "request_id", RequestID(r.Context()))
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	}
}

type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, ErrorCode: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Header already sent; the status code cannot change.
		slog.Default().Error("writeJSON: encode failed", "error", err)
	}
}
