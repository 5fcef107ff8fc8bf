package gateway

import "regexp"

// State is a stage of the call pipeline. Every call ends in exactly one of
// the terminal states.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateSizeChecked      State = "SIZE_CHECKED"
	StateTenantAuthorized State = "TENANT_AUTHORIZED"
	StateDispatched       State = "DISPATCHED"

	StateSucceeded        State = "SUCCEEDED"
	StateSecurityRejected State = "SECURITY_REJECTED"
	StateApplicationError State = "APPLICATION_ERROR"
	StateInternalError    State = "INTERNAL_ERROR"
)

// Error codes reported by the pipeline itself. Tool handlers add their own.
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeSizeLimitExceeded = "SIZE_LIMIT_EXCEEDED"
	CodeSecurityError     = "SECURITY_ERROR"
	CodeToolNotFound      = "TOOL_NOT_FOUND"
	CodeToolError         = "TOOL_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// InternalErrorMessage is the only detail callers see for internal failures.
const InternalErrorMessage = "Internal server error"

// payloadEngagementKey is the payload field some backends read the
// engagement from.
const payloadEngagementKey = "engagement_id"

var engagementIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidEngagementID reports whether id is acceptable at the call boundary.
func ValidEngagementID(id string) bool {
	return engagementIDRe.MatchString(id)
}

// Request is one inbound tool call.
type Request struct {
	Tool         string         `json:"tool"`
	Payload      map[string]any `json:"payload"`
	EngagementID string         `json:"engagement_id"`
	CallID       string         `json:"call_id,omitempty"` // fresh UUID when empty
}

// Response is the single structured answer to a Request.
type Response struct {
	Success         bool           `json:"success"`
	Result          map[string]any `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	CallID          string         `json:"call_id"`
	ExecutionTimeMs float64        `json:"execution_time_ms"`
	Timestamp       string         `json:"timestamp"`

	// State is the terminal pipeline state. Transports map it to their own
	// status codes; it is not part of the wire response.
	State State `json:"-"`
}
