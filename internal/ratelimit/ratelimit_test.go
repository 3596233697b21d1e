package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/local/remy/internal/apperr"
	"github.com/local/remy/internal/config"
)

func newTestLimiter(perMinute, maxConcurrent int) *memoryLimiter {
	l := New(config.RateLimitConfig{MessagesPerMinute: perMinute, MaxConcurrent: maxConcurrent})
	return l.(*memoryLimiter)
}

func TestEleventhMessageRefusedWithPerMinuteReason(t *testing.T) {
	l := newTestLimiter(10, 3)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.AllowMessage(ctx, 1))
	}
	err := l.AllowMessage(ctx, 1)
	require.Error(t, err)
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.Contains(t, err.Error(), "per minute")
}

func TestWindowSlidesAfterAMinute(t *testing.T) {
	l := newTestLimiter(2, 3)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }

	require.NoError(t, l.AllowMessage(ctx, 1))
	require.NoError(t, l.AllowMessage(ctx, 1))
	require.Error(t, l.AllowMessage(ctx, 1))

	current = base.Add(61 * time.Second)
	require.NoError(t, l.AllowMessage(ctx, 1))
}

func TestUsersAreIndependent(t *testing.T) {
	l := newTestLimiter(1, 3)
	ctx := context.Background()
	require.NoError(t, l.AllowMessage(ctx, 1))
	require.Error(t, l.AllowMessage(ctx, 1))
	require.NoError(t, l.AllowMessage(ctx, 2))
}

func TestConcurrentStreamCap(t *testing.T) {
	l := newTestLimiter(10, 2)

	rel1, err := l.AcquireStream(1)
	require.NoError(t, err)
	rel2, err := l.AcquireStream(1)
	require.NoError(t, err)

	_, err = l.AcquireStream(1)
	require.Error(t, err)

	rel1()
	rel3, err := l.AcquireStream(1)
	require.NoError(t, err)
	rel3()
	rel2()
}

func TestReleaseIsIdempotent(t *testing.T) {
	l := newTestLimiter(10, 1)
	rel, err := l.AcquireStream(1)
	require.NoError(t, err)
	rel()
	rel() // double release must not free a phantom slot
	rel2, err := l.AcquireStream(1)
	require.NoError(t, err)
	_, err = l.AcquireStream(1)
	require.Error(t, err)
	rel2()
}
