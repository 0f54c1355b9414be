package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(maxRequests, windowSeconds int) (*Limiter, *time.Time) {
	l := New(Config{MaxRequests: maxRequests, WindowSeconds: windowSeconds})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowedWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(3, 10)

	for i := 0; i < 3; i++ {
		ok, _ := l.Allowed("whatsapp:5511999")
		require.True(t, ok, "request %d should be admitted", i+1)
	}

	ok, retryAfter := l.Allowed("whatsapp:5511999")
	assert.False(t, ok)
	assert.Equal(t, 10*time.Second, retryAfter)
}

func TestWindowSlides(t *testing.T) {
	l, now := newTestLimiter(2, 10)

	ok, _ := l.Allowed("k")
	require.True(t, ok)
	*now = now.Add(6 * time.Second)
	ok, _ = l.Allowed("k")
	require.True(t, ok)

	ok, retryAfter := l.Allowed("k")
	require.False(t, ok)
	// Oldest entry expires 4s from now.
	assert.Equal(t, 4*time.Second, retryAfter)

	*now = now.Add(5 * time.Second)
	ok, _ = l.Allowed("k")
	assert.True(t, ok, "oldest entry expired, admission resumes")
}

func TestIdentifiersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, 10)

	ok, _ := l.Allowed("a")
	require.True(t, ok)
	ok, _ = l.Allowed("a")
	require.False(t, ok)

	ok, _ = l.Allowed("b")
	assert.True(t, ok)
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(1, 10)

	ok, _ := l.Allowed("k")
	require.True(t, ok)
	ok, _ = l.Allowed("k")
	require.False(t, ok)

	l.Reset("k")
	ok, _ = l.Allowed("k")
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	l, _ := newTestLimiter(5, 10)

	l.Allowed("a")
	l.Allowed("a")
	l.Allowed("b")

	windows, recorded := l.Stats()
	assert.Equal(t, 2, windows)
	assert.Equal(t, 3, recorded)
}

func TestSweepDropsStaleWindows(t *testing.T) {
	l := New(Config{MaxRequests: 5, WindowSeconds: 10, CleanupInterval: time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allowed("stale")
	now = now.Add(3 * time.Minute)
	l.Allowed("fresh")

	l.sweep()

	windows, _ := l.Stats()
	assert.Equal(t, 1, windows)
	_, ok := l.windows["fresh"]
	assert.True(t, ok)
}

func TestStartSweeperBlocksUntilCancelled(t *testing.T) {
	l := New(Config{MaxRequests: 5, WindowSeconds: 10, CleanupInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.StartSweeper(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("sweeper returned with a live context")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := New(Config{MaxRequests: 1000, WindowSeconds: 60})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				l.Allowed("shared")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	_, recorded := l.Stats()
	assert.Equal(t, 800, recorded)
}
