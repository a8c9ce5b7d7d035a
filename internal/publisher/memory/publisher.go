// Package memory keeps published site events in memory, for tests and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Message is one recorded publish. Data holds the JSON encoding of the payload.
type Message struct {
	Topic string
	Data  []byte
}

// Publisher records publishes. Setting Err makes every publish fail with it.
type Publisher struct {
	Err error

	mu       sync.RWMutex
	messages []Message
}

var _ crawler.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload like the Pub/Sub publisher does and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.messages = append(p.messages, Message{Topic: topic, Data: data})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
