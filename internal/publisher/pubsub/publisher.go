// Package pubsub publishes site completion events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/telemetry"
)

// Config names the project and the default topic.
type Config struct {
	ProjectID string
	Topic     string
}

// Publisher publishes JSON payloads, keeping one topic handle per topic ID.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string
	owned        bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var _ crawler.Publisher = (*Publisher)(nil)

// New wraps an existing client. The caller keeps ownership of client.
func New(client *pubsub.Client, defaultTopic string) *Publisher {
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		topics:       make(map[string]*pubsub.Topic),
	}
}

// Open creates a client with Application Default Credentials and checks that the default topic exists.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	exists, err := client.Topic(cfg.Topic).Exists(ctx)
	if err == nil && !exists {
		err = fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID)
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close pubsub client after topic check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic: %w", err)
	}
	p := New(client, cfg.Topic)
	p.owned = true
	return p, nil
}

// Publish marshals payload to JSON and waits for the server ack. An empty topic uses the default.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: telemetry.InjectAttributes(ctx, nil),
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

func (p *Publisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[id]
	if !ok {
		t = p.client.Topic(id)
		p.topics[id] = t
	}
	return t
}

// Close flushes pending publishes and closes the client when Open created it.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	if p.owned && p.client != nil {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
