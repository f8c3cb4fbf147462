package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitSpacesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitHostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://one.com"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://two.com"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitHonorsContextAndOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Hosts: map[string]float64{"fast.com": 0}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "https://slow.com"))
	require.Error(t, l.Wait(ctx, "https://slow.com"))

	for range 5 {
		require.NoError(t, l.Wait(context.Background(), "https://fast.com"))
	}
}

func TestHostOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "author.today", hostOf("https://author.today/work/1"))
	assert.Equal(t, "unknown", hostOf("::bad"))
	assert.Equal(t, "unknown", hostOf(""))
}
