package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a content pattern whose matches are replaced with
// [REDACTED_<Label>].
type Pattern struct {
	Label string `yaml:"label"`
	Regex string `yaml:"regex"`
}

type compiledPattern struct {
	label  string
	marker string
	re     *regexp.Regexp
	accept func(string) bool
}

// matchFilters narrow patterns that RE2 cannot express precisely.
var matchFilters = map[string]func(string) bool{
	// Long slash-separated words are usually paths, not encoded blobs.
	"BASE64": looksEncoded,
}

func looksEncoded(s string) bool {
	var upper, lower, digit bool
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
			upper = true
		case c >= 'a' && c <= 'z':
			lower = true
		case c >= '0' && c <= '9':
			digit = true
		}
	}
	return upper && lower && digit
}

// DefaultPatterns returns the built-in content patterns. Order matters:
// connection strings are matched before the generic URL credential form,
// and specific token shapes before base64.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{"PRIVATE_KEY", `-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)(?:-----END [A-Z ]*PRIVATE KEY-----|$)`},
		{"JWT", `\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`},
		{"CONNECTION_STRING", `(?i)\b(?:postgres(?:ql)?|mysql|mariadb|mongodb(?:\+srv)?|rediss?|amqps?|mssql|sqlserver|clickhouse)://[^\s"']+` +
			`|\b(?:server|host|data source)=[^;\s]+;[^\s"']*?(?:password|pwd)=[^;\s"']+`},
		{"URL_CREDENTIALS", `\b[A-Za-z][A-Za-z0-9+.-]*://[^\s:/@"']+:[^\s/@"']+@`},
		{"EMAIL", `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`},
		{"UUID", `\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`},
		{"CREDIT_CARD", `\b(?:\d{4}[ -]?){3}\d{4}\b|\b3[47]\d{2}[ -]?\d{6}[ -]?\d{5}\b`},
		{"SSN", `\b\d{3}-\d{2}-\d{4}\b`},
		{"IPV4", `\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`},
		{"TOKEN", `(?i:\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*)` +
			`|\b(?:sk|pk|rk)[-_](?:live|test)[-_][A-Za-z0-9]{16,}\b` +
			`|\bgh[pousr]_[A-Za-z0-9]{36,}\b` +
			`|\bxox[abprs]-[A-Za-z0-9-]{10,}\b` +
			`|\bAKIA[0-9A-Z]{16}\b` +
			`|\b[a-fA-F0-9]{32,}\b`},
		{"BASE64", `\b[A-Za-z0-9+/]{40,}={0,2}`},
	}
}

// DefaultSensitiveFields are matched against lower-cased field names by
// equality or substring.
func DefaultSensitiveFields() []string {
	return []string{
		"password", "passwd", "token", "secret", "key", "credential",
		"auth", "session", "cookie", "jwt", "ssn", "credit_card",
		"card_number", "email", "phone", "address", "connection_string",
		"private",
	}
}

func compilePatterns(defs []Pattern) ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(defs))
	for _, d := range defs {
		label := strings.ToUpper(strings.TrimSpace(d.Label))
		if label == "" {
			return nil, fmt.Errorf("pattern %q: label is required", d.Regex)
		}
		re, err := regexp.Compile(d.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", label, err)
		}
		out = append(out, compiledPattern{
			label:  label,
			marker: "[REDACTED_" + label + "]",
			re:     re,
			accept: matchFilters[label],
		})
	}
	return out, nil
}
