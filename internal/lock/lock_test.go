package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExclusiveUntilRelease(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	release, err := l.Acquire(ctx, "clm-1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "clm-1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, "clm-2", time.Minute)
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Acquire(ctx, "clm-1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLocalExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.Now = func() time.Time { return now }
	stale, err := l.Acquire(context.Background(), "clm-1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(context.Background(), "clm-1", time.Second)
	require.NoError(t, err)

	// The expired owner must not release the new owner's lock.
	stale()
	_, err = l.Acquire(context.Background(), "clm-1", time.Second)
	assert.ErrorIs(t, err, ErrHeld)
	fresh()
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("CLAIMLINE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CLAIMLINE_TEST_REDIS_URL not set")
	}
	r, err := NewRedis(url)
	require.NoError(t, err)
	defer r.Close()
	r.Prefix = "claimline:test:" + uuid.NewString() + ":"

	ctx := context.Background()
	release, err := r.Acquire(ctx, "clm-1", 10*time.Second)
	require.NoError(t, err)
	_, err = r.Acquire(ctx, "clm-1", 10*time.Second)
	assert.ErrorIs(t, err, ErrHeld)
	release()
	again, err := r.Acquire(ctx, "clm-1", 10*time.Second)
	require.NoError(t, err)
	again()
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis("not-a-url")
	assert.Error(t, err)
}
