// Package memory provides the bounded in-memory site queue the dispatcher feeds its workers from.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of site tasks with context-aware operations.
type Queue struct {
	ch      chan crawler.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

var _ crawler.Queue = (*Queue)(nil)

// NewQueue constructs a queue holding up to capacity pending items.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan crawler.QueueItem, capacity),
	}
}

// Enqueue pushes item, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item. Pending items are still returned after Close.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return crawler.QueueItem{}, ErrClosed
		}
		return item, nil
	}
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting items. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
