package tool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo() Handler {
	return HandlerFunc(func(_ context.Context, payload map[string]any, engagementID string) (*Result, error) {
		return OK(map[string]any{"engagement_id": engagementID, "payload": payload}), nil
	})
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(FSRead, echo()))
	require.NoError(t, r.Register(" "+FSWrite+" ", echo()))

	h, ok := r.Get(FSRead)
	require.True(t, ok)
	res, err := h.Execute(context.Background(), map[string]any{"path": "a.txt"}, "tenant-a")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "tenant-a", res.Result["engagement_id"])

	assert.True(t, r.Has(FSWrite))
	assert.False(t, r.Has(JiraCreateIssue))
	assert.Equal(t, []string{FSRead, FSWrite}, r.Names())
}

func TestRegistry_Rejects(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", echo()))
	assert.Error(t, r.Register("   ", echo()))
	assert.Error(t, r.Register(FSRead, nil))

	require.NoError(t, r.Register(FSRead, echo()))
	err := r.Register(FSRead, echo())
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for _, name := range DefaultNames() {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(name, echo())
		}()
		go func() {
			defer wg.Done()
			_ = r.Names()
			_, _ = r.Get(name)
		}()
	}
	wg.Wait()
	assert.Len(t, r.Names(), len(DefaultNames()))
}

func TestResultHelpers(t *testing.T) {
	ok := OK(map[string]any{"n": 1})
	assert.True(t, ok.Success)
	assert.Empty(t, ok.ErrorCode)

	fail := Fail(CodeNotFound, "no such issue")
	assert.False(t, fail.Success)
	assert.Equal(t, CodeNotFound, fail.ErrorCode)
	assert.Equal(t, "no such issue", fail.Error)

	err := Errorf(CodeInvalidArgument, "field %q is required", "path")
	assert.Equal(t, `INVALID_ARGUMENT: field "path" is required`, err.Error())
	var te *Error
	assert.True(t, errors.As(error(err), &te))
}
