package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	item := crawler.QueueItem{Index: 3, Site: crawler.SiteEntry{URL: "https://shop.example", Language: crawler.LanguageDutch}}
	require.NoError(t, q.Enqueue(context.Background(), item))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, item, got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return the item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewQueue(1).Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	full := NewQueue(1)
	require.NoError(t, full.Enqueue(context.Background(), crawler.QueueItem{Index: 0}))
	require.Equal(t, 1, full.Len())
	err = full.Enqueue(ctx, crawler.QueueItem{Index: 1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueCloseDrainsPending(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{Index: 0}))
	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{Index: 1}))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.QueueItem{Index: 2}), ErrClosed)

	for want := 0; want < 2; want++ {
		got, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.Equal(t, want, got.Index)
	}
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
