// Package fstool implements the engagement-scoped filesystem tools.
package fstool

import (
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oktsec/mcpgate/internal/security"
	"github.com/oktsec/mcpgate/internal/tool"
)

// Tools serves fs.read, fs.write and fs.list.
type Tools struct {
	v *security.Validator
}

// New returns the filesystem tools backed by v.
func New(v *security.Validator) *Tools {
	return &Tools{v: v}
}

// Register adds the filesystem tools to r.
func (t *Tools) Register(r *tool.Registry) error {
	for name, h := range map[string]tool.HandlerFunc{
		tool.FSRead:  t.Read,
		tool.FSWrite: t.Write,
		tool.FSList:  t.List,
	} {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Read returns a file's content. Text types come back as-is, everything else
// base64 encoded.
func (t *Tools) Read(_ context.Context, payload map[string]any, engagementID string) (*tool.Result, error) {
	path, err := tool.String(payload, "path", true)
	if err != nil {
		return nil, err
	}
	data, mt, err := t.v.SecureFileRead(path, engagementID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, tool.Errorf(tool.CodeNotFound, "file %s does not exist", path)
	}
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"path":      path,
		"mime_type": mt,
		"size":      len(data),
	}
	if isText(mt) {
		out["content"] = string(data)
		out["encoding"] = "utf-8"
	} else {
		out["content"] = base64.StdEncoding.EncodeToString(data)
		out["encoding"] = "base64"
	}
	return tool.OK(out), nil
}

// Write stores content at path. Payload field encoding may be "base64".
func (t *Tools) Write(_ context.Context, payload map[string]any, engagementID string) (*tool.Result, error) {
	path, err := tool.String(payload, "path", true)
	if err != nil {
		return nil, err
	}
	content, err := tool.String(payload, "content", false)
	if err != nil {
		return nil, err
	}
	encoding, err := tool.String(payload, "encoding", false)
	if err != nil {
		return nil, err
	}

	data := []byte(content)
	switch encoding {
	case "", "utf-8":
	case "base64":
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, tool.Errorf(tool.CodeInvalidArgument, "content is not valid base64")
		}
	default:
		return nil, tool.Errorf(tool.CodeInvalidArgument, "unsupported encoding %q", encoding)
	}

	if err := t.v.SecureFileWrite(path, data, engagementID); err != nil {
		return nil, err
	}
	return tool.OK(map[string]any{"path": path, "bytes_written": len(data)}), nil
}

// List returns the entries of a directory, or of the engagement root when
// path is empty. Symbolic links are omitted.
func (t *Tools) List(_ context.Context, payload map[string]any, engagementID string) (*tool.Result, error) {
	path, err := tool.String(payload, "path", false)
	if err != nil {
		return nil, err
	}
	dir, err := t.v.ValidateFilePath(path, engagementID, security.OpList)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, tool.Errorf(tool.CodeNotFound, "directory %s does not exist", path)
	}
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(entries))
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		item := map[string]any{"name": e.Name()}
		if e.IsDir() {
			item["type"] = "dir"
		} else {
			item["type"] = "file"
			if info, err := e.Info(); err == nil {
				item["size"] = info.Size()
			}
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].(map[string]any)["name"].(string) < items[j].(map[string]any)["name"].(string)
	})

	return tool.OK(map[string]any{
		"path":    filepath.ToSlash(path),
		"entries": items,
	}), nil
}

func isText(mt string) bool {
	return strings.HasPrefix(mt, "text/") || mt == "application/json"
}
