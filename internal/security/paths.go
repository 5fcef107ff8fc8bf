package security

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Operation names the filesystem operation a path is validated for.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpList   Operation = "list"
	OpDelete Operation = "delete"
)

type pathPattern struct {
	name string
	re   *regexp.Regexp
}

// dangerousPathPatterns are rejected in the raw string before any
// sanitization. Containment is re-checked after resolution regardless.
var dangerousPathPatterns = compilePathPatterns([][2]string{
	{"parent traversal", `\.\.[/\\]`},
	{"home directory", `(^|/)~`},
	{"system directory", `/(etc|proc|sys)(/|$)`},
	{"windows separator", `\\`},
	{"variable interpolation", `\$\{|\$\(`},
	{"command substitution", "`"},
	{"null byte", `\x00`},
})

func compilePathPatterns(defs [][2]string) []pathPattern {
	out := make([]pathPattern, 0, len(defs))
	for _, d := range defs {
		out = append(out, pathPattern{name: d[0], re: regexp.MustCompile(d[1])})
	}
	return out
}

var (
	engagementUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	componentUnsafe  = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// SanitizeEngagementID strips everything except letters, digits, hyphen
// and underscore.
func SanitizeEngagementID(id string) string {
	return engagementUnsafe.ReplaceAllString(id, "")
}

func sanitizeComponent(c string) (string, bool) {
	clean := componentUnsafe.ReplaceAllString(c, "")
	if clean == "" || strings.Trim(clean, ".") == "" {
		return "", false
	}
	return clean, true
}

// SafeEngagementPath returns the canonical sandbox root for an engagement,
// creating it on first use.
func (v *Validator) SafeEngagementPath(engagementID string) (string, error) {
	clean := SanitizeEngagementID(engagementID)
	if clean == "" || clean != engagementID {
		// Stripping characters would let distinct ids share a sandbox.
		v.logger.Warn("invalid engagement id", "engagement_id", engagementID)
		return "", pathErr("", engagementID, "engagement id must contain only letters, digits, hyphen and underscore")
	}

	dir := filepath.Join(v.dataRoot, clean)

	info, err := os.Lstat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", pathErr("", dir, "cannot create engagement directory")
		}
	case err != nil:
		return "", pathErr("", dir, "cannot stat engagement directory")
	case info.Mode()&os.ModeSymlink != 0:
		v.logger.Warn("engagement directory is a symlink", "engagement_id", clean)
		return "", pathErr("", dir, "engagement directory is a symbolic link")
	case !info.IsDir():
		return "", pathErr("", dir, "engagement path is not a directory")
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", pathErr("", dir, "cannot resolve engagement directory")
	}
	if resolved != dir || !within(resolved, v.dataRoot) {
		v.logger.Warn("engagement directory escapes data root", "engagement_id", clean, "resolved", resolved)
		return "", pathErr("", dir, "engagement directory escapes data root")
	}
	return resolved, nil
}

// ValidateFilePath maps a caller-supplied relative path onto the
// engagement sandbox and returns the resolved absolute path. The raw string
// is screened for dangerous patterns, each component is sanitized, and the
// rebuilt path is resolved and checked for containment. Any symbolic link
// along the path is rejected.
func (v *Validator) ValidateFilePath(filePath, engagementID string, op Operation) (string, error) {
	for _, p := range dangerousPathPatterns {
		if p.re.MatchString(filePath) {
			v.logger.Warn("dangerous path pattern",
				"pattern", p.name,
				"engagement_id", engagementID,
				"operation", string(op),
			)
			return "", pathErr(op, filePath, "dangerous pattern detected ("+p.name+")")
		}
	}

	base, err := v.SafeEngagementPath(engagementID)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, raw := range strings.Split(filePath, "/") {
		if raw == "" {
			continue
		}
		clean, ok := sanitizeComponent(raw)
		if !ok {
			v.logger.Warn("invalid path component", "engagement_id", engagementID, "operation", string(op))
			return "", pathErr(op, filePath, "invalid path component")
		}
		parts = append(parts, clean)
	}
	if len(parts) == 0 && op != OpList {
		return "", pathErr(op, filePath, "empty path")
	}

	rel := strings.Join(parts, "/")
	for _, pattern := range v.blocked {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			v.logger.Warn("blocked path pattern",
				"pattern", pattern,
				"engagement_id", engagementID,
				"operation", string(op),
			)
			return "", pathErr(op, filePath, "path matches blocked pattern")
		}
	}

	candidate := base
	for _, part := range parts {
		candidate = filepath.Join(candidate, part)
		info, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", pathErr(op, filePath, "cannot stat path")
		}
		if info.Mode()&os.ModeSymlink != 0 {
			v.logger.Warn("symlink rejected", "engagement_id", engagementID, "operation", string(op))
			return "", pathErr(op, filePath, "symbolic links are not allowed")
		}
	}
	candidate = filepath.Join(append([]string{base}, parts...)...)

	resolved, err := resolve(candidate)
	if err != nil {
		return "", pathErr(op, filePath, "cannot resolve path")
	}
	if !within(resolved, base) {
		v.logger.Warn("path escapes engagement root",
			"engagement_id", engagementID,
			"operation", string(op),
			"resolved", resolved,
		)
		return "", pathErr(op, filePath, "path escapes engagement directory")
	}
	return resolved, nil
}

// resolve canonicalizes p. Trailing components that do not exist yet are
// re-attached to the canonical form of the deepest existing ancestor.
func resolve(p string) (string, error) {
	p = filepath.Clean(p)
	var missing []string
	cur := p
	for {
		canonical, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{canonical}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = parent
	}
}

// within reports whether path equals root or lies beneath it.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
