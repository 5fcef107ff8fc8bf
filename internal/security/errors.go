package security

import (
	"errors"
	"fmt"
)

// ErrToolNotSanctioned is returned when an allowlist names a tool outside
// the gateway's default tool set.
var ErrToolNotSanctioned = errors.New("tool not in default tool set")

// ErrUnmeasurable is returned by the size checks when a value has no JSON
// encoding. It is not a security rejection.
var ErrUnmeasurable = errors.New("value cannot be measured")

// Kind classifies a PathSecurityError.
type Kind string

const (
	KindPath Kind = "path"
	KindSize Kind = "size"
)

// PathSecurityError reports a rejected path or an exceeded size ceiling.
type PathSecurityError struct {
	Kind   Kind
	Op     Operation
	Path   string
	Reason string
}

func (e *PathSecurityError) Error() string {
	if e.Path == "" {
		return "path security: " + e.Reason
	}
	return fmt.Sprintf("path security: %s: %q", e.Reason, e.Path)
}

// CrossTenantError reports an operation that crosses engagement boundaries,
// including a tool the engagement is not allowed to call.
type CrossTenantError struct {
	Requesting string
	Target     string
	Tool       string
	Reason     string
}

func (e *CrossTenantError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("cross-tenant: %s (tool %q, engagement %q)", e.Reason, e.Tool, e.Requesting)
	}
	return fmt.Sprintf("cross-tenant: %s (engagement %q -> %q)", e.Reason, e.Requesting, e.Target)
}

// MimeTypeError reports a file type outside the MIME allowlist.
type MimeTypeError struct {
	Path     string
	MimeType string
	Reason   string
}

func (e *MimeTypeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("mime type: %s (%s)", e.Reason, e.MimeType)
	}
	if e.MimeType == "" {
		return fmt.Sprintf("mime type: %s: %q", e.Reason, e.Path)
	}
	return fmt.Sprintf("mime type: %s: %q (%s)", e.Reason, e.Path, e.MimeType)
}

func pathErr(op Operation, path, reason string) error {
	return &PathSecurityError{Kind: KindPath, Op: op, Path: path, Reason: reason}
}

func sizeErr(reason string) error {
	return &PathSecurityError{Kind: KindSize, Reason: reason}
}

// IsSecurityError reports whether err is (or wraps) any of the security
// boundary errors.
func IsSecurityError(err error) bool {
	var pe *PathSecurityError
	var ce *CrossTenantError
	var me *MimeTypeError
	return errors.As(err, &pe) || errors.As(err, &ce) || errors.As(err, &me)
}

// IsSizeError reports whether err is a size-ceiling PathSecurityError.
func IsSizeError(err error) bool {
	var pe *PathSecurityError
	return errors.As(err, &pe) && pe.Kind == KindSize
}
