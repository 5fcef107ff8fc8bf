package security

import (
	"encoding/json"
	"fmt"
)

// SizeOf returns the byte size of v: strings and byte slices as-is,
// everything else as its JSON encoding.
func SizeOf(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return int64(len(x)), nil
	case []byte:
		return int64(len(x)), nil
	case json.RawMessage:
		return int64(len(x)), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding %T: %w", v, err)
	}
	return int64(len(b)), nil
}

// ValidateRequestSize bounds inbound payloads and outbound results alike.
func (v *Validator) ValidateRequestSize(data any) error {
	return v.checkSize(data, v.maxRequestBytes, "request")
}

// ValidateContentSize bounds file content.
func (v *Validator) ValidateContentSize(content any) error {
	return v.checkSize(content, v.maxFileBytes, "content")
}

// ValidateContentLength bounds a content length known in advance, such as
// an HTTP Content-Length header.
func (v *Validator) ValidateContentLength(n int64) error {
	return v.checkLimit(n, v.maxFileBytes, "content")
}

func (v *Validator) checkSize(data any, limit int64, what string) error {
	n, err := SizeOf(data)
	if err != nil {
		return fmt.Errorf("measuring %s size: %w: %v", what, ErrUnmeasurable, err)
	}
	return v.checkLimit(n, limit, what)
}

func (v *Validator) checkLimit(n, limit int64, what string) error {
	if n > limit {
		v.logger.Warn("size limit exceeded", "what", what, "size", n, "limit", limit)
		return sizeErr(fmt.Sprintf("%s size %d bytes exceeds limit of %d bytes", what, n, limit))
	}
	return nil
}
