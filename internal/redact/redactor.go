// Package redact scrubs secrets and personal data from values before they
// reach logs or the audit trail. Redaction is heuristic: sensitive field
// names and content patterns are replaced with fixed markers.
package redact

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Markers written in place of redacted or dropped content. None of them
// match a built-in pattern, so redacting twice is a no-op.
const (
	Redacted         = "[REDACTED]"
	MaxDepthExceeded = "[MAX_DEPTH_EXCEEDED]"
	RedactionError   = "[REDACTION_ERROR]"
)

var listTruncatedMarker = regexp.MustCompile(`^\[TRUNCATED: \d+ more items\]$`)

// Options controls redaction. Zero limits take the defaults.
type Options struct {
	MaxDepth        int
	MaxListItems    int
	MaxStringLength int
	MaxTotalSize    int

	// SensitiveFields and Patterns extend the built-in vocabulary.
	SensitiveFields []string
	Patterns        []Pattern

	Logger *slog.Logger
}

const (
	defaultMaxDepth        = 10
	defaultMaxListItems    = 100
	defaultMaxStringLength = 1000
	defaultMaxTotalSize    = 50000
)

// Stats describes a single RedactData call.
type Stats struct {
	FieldsProcessed  int  `json:"fields_processed"`
	FieldsRedacted   int  `json:"fields_redacted"`
	PatternsMatched  int  `json:"patterns_matched"`
	ContentTruncated bool `json:"content_truncated"`
}

// Redactor is immutable after construction and safe for concurrent use.
type Redactor struct {
	maxDepth        int
	maxListItems    int
	maxStringLength int
	maxTotalSize    int
	fields          []string
	patterns        []compiledPattern
	logger          *slog.Logger
}

// New compiles opts into a Redactor.
func New(opts Options) (*Redactor, error) {
	patterns, err := compilePatterns(append(DefaultPatterns(), opts.Patterns...))
	if err != nil {
		return nil, err
	}

	fields := DefaultSensitiveFields()
	for _, f := range opts.SensitiveFields {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			fields = append(fields, f)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Redactor{
		maxDepth:        orDefault(opts.MaxDepth, defaultMaxDepth),
		maxListItems:    orDefault(opts.MaxListItems, defaultMaxListItems),
		maxStringLength: orDefault(opts.MaxStringLength, defaultMaxStringLength),
		maxTotalSize:    orDefault(opts.MaxTotalSize, defaultMaxTotalSize),
		fields:          fields,
		patterns:        patterns,
		logger:          logger,
	}, nil
}

// Default returns a Redactor with the built-in options.
func Default() *Redactor {
	r, err := New(Options{})
	if err != nil {
		panic("redact: built-in patterns do not compile: " + err.Error())
	}
	return r
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// RedactData returns a redacted deep copy of data. It never panics and the
// input is never modified. context only labels diagnostics.
func (r *Redactor) RedactData(data any, context string) (result any, stats Stats) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("redaction failed", "context", context, "panic", fmt.Sprint(p))
			result = RedactionError
		}
	}()

	result = r.redact(data, 0, &stats)

	if b, err := json.Marshal(result); err == nil && len(b) > r.maxTotalSize {
		stats.ContentTruncated = true
		result = fmt.Sprintf("[TRUNCATED: redacted content was %d bytes, limit %d]", len(b), r.maxTotalSize)
	}
	return result, stats
}

// RedactForLogging redacts data and renders it as JSON. It always returns
// a string.
func (r *Redactor) RedactForLogging(data any, context string) (out string) {
	defer func() {
		if p := recover(); p != nil {
			out = fmt.Sprintf("[SERIALIZATION_ERROR:%T]", data)
		}
	}()

	redacted, _ := r.RedactData(data, context)
	if s, ok := redacted.(string); ok {
		return s
	}
	b, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("[SERIALIZATION_ERROR:%T]", data)
	}
	return string(b)
}

// Attr returns a slog attribute carrying the redacted rendering of v.
func (r *Redactor) Attr(key string, v any) slog.Attr {
	return slog.String(key, r.RedactForLogging(v, key))
}

// SensitiveField reports whether a field with this name is always redacted.
func (r *Redactor) SensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, f := range r.fields {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

func (r *Redactor) redact(v any, depth int, st *Stats) any {
	if depth > r.maxDepth {
		st.ContentTruncated = true
		return MaxDepthExceeded
	}

	switch x := v.(type) {
	case nil, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return x
	case string:
		return r.redactString(x, st)
	case []byte:
		return r.redactString(string(x), st)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(x, &decoded); err != nil {
			return r.redactString(string(x), st)
		}
		return r.redact(decoded, depth, st)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = r.redactField(k, val, depth, st)
		}
		return out
	case []any:
		return r.redactList(len(x), func(i int) any { return x[i] }, depth, st)
	case error:
		return r.redactString(x.Error(), st)
	}

	return r.redactReflect(v, depth, st)
}

func (r *Redactor) redactField(key string, val any, depth int, st *Stats) any {
	st.FieldsProcessed++
	if r.SensitiveField(key) {
		st.FieldsRedacted++
		return Redacted
	}
	return r.redact(val, depth+1, st)
}

func (r *Redactor) redactList(n int, at func(int) any, depth int, st *Stats) []any {
	keep := min(n, r.maxListItems)
	var marker string
	if n > keep {
		st.ContentTruncated = true
		marker = fmt.Sprintf("[TRUNCATED: %d more items]", n-keep)
		// An already truncated list keeps its original marker.
		if n == keep+1 {
			if s, ok := at(n - 1).(string); ok && listTruncatedMarker.MatchString(s) {
				marker = s
			}
		}
	}

	out := make([]any, 0, keep+1)
	for i := 0; i < keep; i++ {
		out = append(out, r.redact(at(i), depth+1, st))
	}
	if marker != "" {
		out = append(out, marker)
	}
	return out
}

// redactReflect handles typed maps, slices and structs. Structs and
// pointers go through their JSON form so field tags are honored.
func (r *Redactor) redactReflect(v any, depth int, st *Stats) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			out[k] = r.redactField(k, iter.Value().Interface(), depth, st)
		}
		return out
	case reflect.Slice, reflect.Array:
		return r.redactList(rv.Len(), func(i int) any { return rv.Index(i).Interface() }, depth, st)
	case reflect.String:
		return r.redactString(rv.String(), st)
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}

	b, err := json.Marshal(v)
	if err != nil {
		return RedactionError
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return RedactionError
	}
	return r.redact(decoded, depth, st)
}

// redactString truncates s to the string limit, then replaces pattern
// matches. Every result fits the limit, truncation suffix included.
func (r *Redactor) redactString(s string, st *Stats) string {
	n := utf8.RuneCountInString(s)
	if n <= r.maxStringLength {
		out := r.applyPatterns(s, st)
		// Markers can be longer than what they replaced.
		if utf8.RuneCountInString(out) <= r.maxStringLength {
			return out
		}
		return r.capString(out, n, st)
	}
	return r.capString(r.applyPatterns(truncateRunes(s, r.truncateBudget(n)), st), n, st)
}

// capString cuts already redacted text so that it plus the truncation
// suffix for a source of n runes fits the string limit.
func (r *Redactor) capString(s string, n int, st *Stats) string {
	st.ContentTruncated = true
	return truncateRunes(s, r.truncateBudget(n)) + truncationSuffix(n)
}

func (r *Redactor) truncateBudget(n int) int {
	return max(r.maxStringLength-utf8.RuneCountInString(truncationSuffix(n)), 0)
}

func truncationSuffix(n int) string {
	return fmt.Sprintf("...[TRUNCATED from %d chars]", n)
}

func (r *Redactor) applyPatterns(s string, st *Stats) string {
	for _, p := range r.patterns {
		s = p.re.ReplaceAllStringFunc(s, func(m string) string {
			if p.accept != nil && !p.accept(m) {
				return m
			}
			st.PatternsMatched++
			return p.marker
		})
	}
	return s
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
