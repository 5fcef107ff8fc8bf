package fstool

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/oktsec/mcpgate/internal/security"
	"github.com/oktsec/mcpgate/internal/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTools(t *testing.T) (*Tools, *security.Validator) {
	t.Helper()
	v, err := security.NewValidator(security.Config{
		DataRoot:         t.TempDir(),
		MaxFileSizeMB:    1,
		MaxRequestSizeMB: 1,
		DefaultTools:     tool.DefaultNames(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return New(v), v
}

func TestWriteThenRead(t *testing.T) {
	ft, _ := newTestTools(t)
	ctx := context.Background()

	res, err := ft.Write(ctx, map[string]any{"path": "notes/today.md", "content": "# standup"}, "tenant-a")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 9, res.Result["bytes_written"])

	res, err = ft.Read(ctx, map[string]any{"path": "notes/today.md"}, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "# standup", res.Result["content"])
	assert.Equal(t, "text/markdown", res.Result["mime_type"])
	assert.Equal(t, "utf-8", res.Result["encoding"])
}

func TestWriteBase64Binary(t *testing.T) {
	ft, v := newTestTools(t)
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	_, err := ft.Write(ctx, map[string]any{
		"path":     "img/logo.png",
		"content":  base64.StdEncoding.EncodeToString(png),
		"encoding": "base64",
	}, "tenant-a")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(v.DataRoot(), "tenant-a", "img", "logo.png"))
	require.NoError(t, err)
	assert.Equal(t, png, got)

	res, err := ft.Read(ctx, map[string]any{"path": "img/logo.png"}, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "base64", res.Result["encoding"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(png), res.Result["content"])

	_, err = ft.Write(ctx, map[string]any{"path": "x.txt", "content": "%%%", "encoding": "base64"}, "tenant-a")
	var te *tool.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, tool.CodeInvalidArgument, te.Code)
}

func TestReadErrors(t *testing.T) {
	ft, _ := newTestTools(t)
	ctx := context.Background()

	_, err := ft.Read(ctx, map[string]any{}, "tenant-a")
	var te *tool.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, tool.CodeInvalidArgument, te.Code)

	_, err = ft.Read(ctx, map[string]any{"path": 42}, "tenant-a")
	require.True(t, errors.As(err, &te))

	_, err = ft.Read(ctx, map[string]any{"path": "missing.txt"}, "tenant-a")
	require.True(t, errors.As(err, &te))
	assert.Equal(t, tool.CodeNotFound, te.Code)

	_, err = ft.Read(ctx, map[string]any{"path": "../../../etc/passwd"}, "tenant-a")
	assert.True(t, security.IsSecurityError(err))
}

func TestTenantsAreIsolated(t *testing.T) {
	ft, _ := newTestTools(t)
	ctx := context.Background()

	_, err := ft.Write(ctx, map[string]any{"path": "secret.txt", "content": "a only"}, "tenant-a")
	require.NoError(t, err)

	_, err = ft.Read(ctx, map[string]any{"path": "secret.txt"}, "tenant-b")
	var te *tool.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, tool.CodeNotFound, te.Code)
}

func TestList(t *testing.T) {
	ft, v := newTestTools(t)
	ctx := context.Background()

	for _, p := range []string{"b.txt", "a.txt", "sub/c.txt"} {
		_, err := ft.Write(ctx, map[string]any{"path": p, "content": "x"}, "tenant-a")
		require.NoError(t, err)
	}
	base, err := v.SafeEngagementPath("tenant-a")
	require.NoError(t, err)
	require.NoError(t, os.Symlink(t.TempDir(), filepath.Join(base, "link")))

	res, err := ft.List(ctx, map[string]any{}, "tenant-a")
	require.NoError(t, err)
	entries := res.Result["entries"].([]any)
	require.Len(t, entries, 3)
	assert.Equal(t, "a.txt", entries[0].(map[string]any)["name"])
	assert.Equal(t, "b.txt", entries[1].(map[string]any)["name"])
	assert.Equal(t, "dir", entries[2].(map[string]any)["type"])

	res, err = ft.List(ctx, map[string]any{"path": "sub"}, "tenant-a")
	require.NoError(t, err)
	assert.Len(t, res.Result["entries"], 1)

	_, err = ft.List(ctx, map[string]any{"path": "nope"}, "tenant-a")
	var te *tool.Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, tool.CodeNotFound, te.Code)
}

func TestRegister(t *testing.T) {
	ft, _ := newTestTools(t)
	r := tool.NewRegistry()
	require.NoError(t, ft.Register(r))
	assert.Equal(t, []string{tool.FSList, tool.FSRead, tool.FSWrite}, r.Names())
	assert.Error(t, ft.Register(r))
}
