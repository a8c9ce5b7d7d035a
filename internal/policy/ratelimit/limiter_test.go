package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitsPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://shop.example/fr"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://SHOP.example/de"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://shop.example"))
	}
}

func TestLimiterCanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://shop.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://shop.example"))
}
