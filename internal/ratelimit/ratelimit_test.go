package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliding_AllowAndBlock(t *testing.T) {
	rl := NewSliding(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, ok, "call %d should be allowed", i+1)
	}
	ok, _ := rl.Allow(ctx, "tenant-a")
	assert.False(t, ok, "4th call should be blocked")

	ok, _ = rl.Allow(ctx, "tenant-b")
	assert.True(t, ok, "other engagements are counted separately")
}

func TestSliding_WindowSlides(t *testing.T) {
	rl := NewSliding(1, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := rl.Allow(ctx, "tenant-a")
	assert.True(t, ok)
	ok, _ = rl.Allow(ctx, "tenant-a")
	assert.False(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = rl.Allow(ctx, "tenant-a")
	assert.True(t, ok, "expired timestamps should be pruned")
}

func TestSliding_Disabled(t *testing.T) {
	rl := NewSliding(0, time.Minute)
	for i := 0; i < 1000; i++ {
		ok, _ := rl.Allow(context.Background(), "tenant-a")
		require.True(t, ok)
	}
}

func TestSliding_Concurrent(t *testing.T) {
	rl := NewSliding(50, time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := rl.Allow(context.Background(), "tenant-a"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedis_FixedWindow(t *testing.T) {
	mr, client := newRedis(t)
	rl := NewRedis(client, 2, time.Minute)
	now := time.Unix(1_800_000_000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	assert.True(t, ok)

	keys := mr.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, time.Minute, mr.TTL(keys[0]))

	now = now.Add(time.Minute)
	ok, err = rl.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, ok, "next window starts fresh")
}

func TestRedis_Unavailable(t *testing.T) {
	mr, client := newRedis(t)
	rl := NewRedis(client, 2, time.Minute)
	mr.Close()

	ok, err := rl.Allow(context.Background(), "tenant-a")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestUnlimited(t *testing.T) {
	ok, err := Unlimited{}.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}
