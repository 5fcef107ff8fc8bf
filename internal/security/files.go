package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/oktsec/mcpgate/internal/safefile"
)

// relativeTo turns path into a path relative to the engagement root.
// Absolute paths must already lie inside it.
func (v *Validator) relativeTo(path, engagementID string, op Operation) (string, error) {
	if !filepath.IsAbs(path) {
		return path, nil
	}
	base, err := v.SafeEngagementPath(engagementID)
	if err != nil {
		return "", err
	}
	resolved, err := resolve(path)
	if err == nil && !within(resolved, base) {
		if owner := v.owner(resolved); owner != "" {
			return "", v.PreventCrossTenantAccess(engagementID, owner)
		}
	}
	if err != nil || !within(resolved, base) {
		v.logger.Warn("path outside engagement root",
			"engagement_id", engagementID,
			"operation", string(op),
		)
		return "", pathErr(op, path, "path outside engagement directory")
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil {
		return "", pathErr(op, path, "path outside engagement directory")
	}
	return filepath.ToSlash(rel), nil
}

// owner returns the engagement whose sandbox holds the resolved path, or ""
// when it lies outside every sandbox.
func (v *Validator) owner(resolved string) string {
	if !within(resolved, v.dataRoot) {
		return ""
	}
	rel, err := filepath.Rel(v.dataRoot, resolved)
	if err != nil || rel == "." {
		return ""
	}
	return strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
}

// SecureFileWrite writes content inside the engagement sandbox. Path,
// type and size are all checked before anything touches disk. The file is
// left with mode 0644.
func (v *Validator) SecureFileWrite(path string, content []byte, engagementID string) error {
	rel, err := v.relativeTo(path, engagementID, OpWrite)
	if err != nil {
		return err
	}
	target, err := v.ValidateFilePath(rel, engagementID, OpWrite)
	if err != nil {
		return err
	}
	if _, err := v.ValidateMimeType(target, true); err != nil {
		return err
	}
	if err := v.ValidateContentSize(content); err != nil {
		return err
	}
	if err := v.ValidateContentType(content); err != nil {
		var me *MimeTypeError
		if errors.As(err, &me) {
			me.Path = rel
		}
		return err
	}

	if err := safefile.WriteFile(target, content); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	v.logger.Info("file written",
		"engagement_id", engagementID,
		"path", rel,
		"bytes", len(content),
	)
	return nil
}

// SecureFileRead reads a file inside the engagement sandbox and returns its
// content and MIME type. Unknown types are rejected.
func (v *Validator) SecureFileRead(path, engagementID string) ([]byte, string, error) {
	rel, err := v.relativeTo(path, engagementID, OpRead)
	if err != nil {
		return nil, "", err
	}
	target, err := v.ValidateFilePath(rel, engagementID, OpRead)
	if err != nil {
		return nil, "", err
	}
	mt, err := v.ValidateMimeType(target, false)
	if err != nil {
		return nil, "", err
	}

	data, err := safefile.ReadFileMax(target, v.maxFileBytes)
	switch {
	case errors.Is(err, safefile.ErrTooLarge):
		v.logger.Warn("file exceeds size limit", "engagement_id", engagementID, "path", rel)
		return nil, "", sizeErr(fmt.Sprintf("file %s exceeds limit of %d bytes", rel, v.maxFileBytes))
	case errors.Is(err, safefile.ErrSymlink):
		return nil, "", pathErr(OpRead, rel, "symbolic links are not allowed")
	case err != nil:
		return nil, "", fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, mt, nil
}
