// Package sdk provides a Go client for the mcpgate HTTP gateway.
//
// Basic usage:
//
//	c := sdk.NewClient("http://localhost:8080", "eng-42")
//	resp, err := c.CallTool(ctx, "fs.read", map[string]any{"path": "notes.md"})
//
// Admin calls need the gateway's admin token:
//
//	c := sdk.NewClient("http://localhost:8080", "eng-42", sdk.WithAdminToken(token))
//	_, err := c.SetAllowlist(ctx, "eng-42", []string{"fs.read", "fs.list"})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// CallRequest is sent to POST /v1/tools/call.
type CallRequest struct {
	Tool         string         `json:"tool"`
	Payload      map[string]any `json:"payload"`
	EngagementID string         `json:"engagement_id"`
	CallID       string         `json:"call_id,omitempty"`
}

// CallResponse is returned by the gateway for every call.
type CallResponse struct {
	Success         bool           `json:"success"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"` // SECURITY_ERROR, SIZE_LIMIT_EXCEEDED, TOOL_NOT_FOUND, ...
	CallID          string         `json:"call_id"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	Timestamp       string         `json:"timestamp"`
}

// ToolsResponse is returned by GET /v1/tools.
type ToolsResponse struct {
	Registered   []string `json:"registered"`
	Sanctioned   []string `json:"sanctioned"`
	EngagementID string   `json:"engagement_id,omitempty"`
	Allowed      []string `json:"allowed,omitempty"`
}

// Allowlist is an engagement's effective tool allowlist.
type Allowlist struct {
	EngagementID string   `json:"engagement_id"`
	Tools        []string `json:"tools"`
	Configured   bool     `json:"configured"` // false = default tool set
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// CallError is returned when the gateway answers with a non-2xx status.
type CallError struct {
	StatusCode int
	Response   CallResponse
}

func (e *CallError) Error() string {
	return fmt.Sprintf("mcpgate: %s (HTTP %d, code=%s, call=%s)",
		e.Response.Error, e.StatusCode, e.Response.ErrorCode, e.Response.CallID)
}

// Code returns the gateway error code.
func (e *CallError) Code() string {
	return e.Response.ErrorCode
}

// Client calls tools through an mcpgate gateway on behalf of one engagement.
type Client struct {
	baseURL      string
	engagementID string
	adminToken   string
	httpClient   *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAdminToken sets the bearer token used for admin calls.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL, engagementID string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		engagementID: engagementID,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CallTool runs a tool call. A rejected or failed call returns the decoded
// response together with a *CallError.
func (c *Client) CallTool(ctx context.Context, tool string, payload map[string]any) (*CallResponse, error) {
	return c.Call(ctx, CallRequest{Tool: tool, Payload: payload})
}

// Call sends req. An empty EngagementID defaults to the client's.
func (c *Client) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	if req.EngagementID == "" {
		req.EngagementID = c.engagementID
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	var resp CallResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/tools/call", req, &resp, false)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return &resp, &CallError{StatusCode: status, Response: resp}
	}
	return &resp, nil
}

// Tools lists the registered and sanctioned tools, plus the client
// engagement's effective allowlist.
func (c *Client) Tools(ctx context.Context) (*ToolsResponse, error) {
	path := "/v1/tools"
	if c.engagementID != "" {
		path += "?engagement_id=" + url.QueryEscape(c.engagementID)
	}
	var resp ToolsResponse
	if err := c.expect(ctx, http.MethodGet, path, nil, &resp, false, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAllowlist returns an engagement's effective allowlist.
func (c *Client) GetAllowlist(ctx context.Context, engagementID string) (*Allowlist, error) {
	var resp Allowlist
	if err := c.expect(ctx, http.MethodGet, allowlistPath(engagementID), nil, &resp, true, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetAllowlist replaces an engagement's allowlist.
func (c *Client) SetAllowlist(ctx context.Context, engagementID string, tools []string) (*Allowlist, error) {
	var resp Allowlist
	body := map[string][]string{"tools": tools}
	if err := c.expect(ctx, http.MethodPut, allowlistPath(engagementID), body, &resp, true, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearAllowlist drops an engagement's allowlist so the default set applies.
func (c *Client) ClearAllowlist(ctx context.Context, engagementID string) error {
	return c.expect(ctx, http.MethodDelete, allowlistPath(engagementID), nil, nil, true, http.StatusNoContent)
}

// Health checks the gateway health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.expect(ctx, http.MethodGet, "/health", nil, &resp, false, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

func allowlistPath(engagementID string) string {
	return "/v1/admin/engagements/" + url.PathEscape(engagementID) + "/allowlist"
}

// expect performs a request and turns any status other than want into a
// *CallError.
func (c *Client) expect(ctx context.Context, method, path string, in, out any, admin bool, want int) error {
	var errResp CallResponse
	status, err := c.do(ctx, method, path, in, &rawOrError{out: out, err: &errResp}, admin)
	if err != nil {
		return err
	}
	if status != want {
		return &CallError{StatusCode: status, Response: errResp}
	}
	return nil
}

// rawOrError decodes a body into out and, for error responses, into err.
type rawOrError struct {
	out any
	err *CallResponse
}

func (r *rawOrError) UnmarshalJSON(data []byte) error {
	_ = json.Unmarshal(data, r.err)
	if r.out == nil {
		return nil
	}
	return json.Unmarshal(data, r.out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, admin bool) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if admin {
		httpReq.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return httpResp.StatusCode, nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return httpResp.StatusCode, fmt.Errorf("decoding response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	return httpResp.StatusCode, nil
}
