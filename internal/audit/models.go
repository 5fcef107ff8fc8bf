package audit

import "encoding/json"

// Record is one audit entry per gateway call. Payload and Result hold the
// redacted JSON previews, never the raw data.
type Record struct {
	CallID          string  `json:"call_id"`
	Timestamp       string  `json:"timestamp"` // RFC3339Nano, UTC
	Tool            string  `json:"tool"`
	EngagementID    string  `json:"engagement_id"`
	State           string  `json:"state"` // SUCCEEDED, SECURITY_REJECTED, APPLICATION_ERROR, INTERNAL_ERROR
	ErrorCode       string  `json:"error_code,omitempty"`
	Error           string  `json:"error,omitempty"`
	Payload         string  `json:"payload,omitempty"`
	Result          string  `json:"result,omitempty"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
}

// Sink receives audit records. Log must not block the caller.
type Sink interface {
	Log(Record)
}

// Discard is a Sink that drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Log(Record) {}

// StateCount is the number of records in one terminal state.
type StateCount struct {
	State string `json:"state"`
	Count int    `json:"count"`
}

// RecordJSON returns the JSON encoding of r.
func RecordJSON(r Record) []byte {
	b, _ := json.Marshal(r)
	return b
}
