package security

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// FallbackMimeType is returned for unknown extensions when the caller
// permits unknown types.
const FallbackMimeType = "text/plain"

// extensionTypes maps lower-case extensions to the type inferred for them.
// An extension missing from this table is unknown.
var extensionTypes = map[string]string{
	".txt":  "text/plain",
	".log":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".json": "application/json",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",

	// Known but never allowed.
	".exe":   "application/vnd.microsoft.portable-executable",
	".dll":   "application/vnd.microsoft.portable-executable",
	".sh":    "application/x-sh",
	".bash":  "application/x-sh",
	".bat":   "application/x-bat",
	".cmd":   "application/x-bat",
	".ps1":   "application/x-powershell",
	".py":    "text/x-python",
	".js":    "text/javascript",
	".html":  "text/html",
	".htm":   "text/html",
	".php":   "application/x-httpd-php",
	".jar":   "application/java-archive",
	".zip":   "application/zip",
	".svg":   "image/svg+xml",
	".xml":   "application/xml",
	".so":    "application/x-sharedlib",
	".dylib": "application/x-mach-binary",
}

var allowedMimeTypes = func() map[string]struct{} {
	types := []string{
		"text/plain",
		"text/markdown",
		"text/csv",
		"application/json",
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"image/png",
		"image/jpeg",
		"image/gif",
	}
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}()

// executableTypes are sniffed formats rejected regardless of extension.
var executableTypes = []string{
	"application/x-elf",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/vnd.microsoft.portable-executable",
	"application/x-msdownload",
	"application/java-archive",
	"application/x-java-applet",
	"text/x-shellscript",
	"text/x-python",
	"text/x-perl",
	"text/x-php",
	"text/x-lua",
	"text/x-tcl",
	"text/javascript",
	"text/html",
	"application/x-wasm",
}

// AllowedMimeType reports whether mt is in the MIME allowlist. Parameters
// such as "; charset=utf-8" are ignored.
func AllowedMimeType(mt string) bool {
	base, _, _ := strings.Cut(mt, ";")
	_, ok := allowedMimeTypes[strings.ToLower(strings.TrimSpace(base))]
	return ok
}

// ValidateMimeType infers the type of path from its extension. Known but
// disallowed types always fail. Unknown types fall back to text/plain only
// when allowUnknown is set.
func (v *Validator) ValidateMimeType(path string, allowUnknown bool) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mt, known := extensionTypes[ext]
	if !known {
		if allowUnknown {
			return FallbackMimeType, nil
		}
		v.logger.Warn("unknown mime type rejected", "path", path, "extension", ext)
		return "", &MimeTypeError{Path: path, Reason: "cannot determine file type"}
	}
	if !AllowedMimeType(mt) {
		v.logger.Warn("mime type not allowed", "path", path, "mime_type", mt)
		return "", &MimeTypeError{Path: path, MimeType: mt, Reason: "file type not allowed"}
	}
	return mt, nil
}

// ValidateContentType sniffs content and rejects executable or script
// formats whatever the file is named.
func (v *Validator) ValidateContentType(content []byte) error {
	detected := mimetype.Detect(content)
	for m := detected; m != nil; m = m.Parent() {
		for _, exe := range executableTypes {
			if m.Is(exe) {
				v.logger.Warn("executable content rejected", "detected", detected.String())
				return &MimeTypeError{MimeType: detected.String(), Reason: "executable content not allowed"}
			}
		}
	}
	return nil
}
