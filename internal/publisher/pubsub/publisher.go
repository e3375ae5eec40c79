// Package pubsub implements a Google Cloud Pub/Sub lifecycle publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/option"
)

// Config captures the parameters required to connect to Pub/Sub.
type Config struct {
	// ProjectID is the Google Cloud project hosting the topics.
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	// Topic, when set, is verified to exist at construction.
	Topic string `mapstructure:"topic" yaml:"topic"`
}

// Publisher publishes JSON payloads to Pub/Sub topics. Topic handles are
// created lazily and cached for the lifetime of the publisher.
type Publisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Pub/Sub client authenticated via Application Default
// Credentials and, when cfg.Topic is set, verifies the topic exists.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	p := NewWithClient(client)
	if cfg.Topic != "" {
		exists, err := client.Topic(cfg.Topic).Exists(ctx)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to check for topic %q: %w", cfg.Topic, err)
		}
		if !exists {
			_ = client.Close()
			return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.Topic, cfg.ProjectID)
		}
	}
	return p, nil
}

// NewWithClient constructs a Publisher from an existing client (primarily
// for testing). The publisher takes ownership of the client.
func NewWithClient(client *pubsub.Client) *Publisher {
	return &Publisher{
		client: client,
		topics: make(map[string]*pubsub.Topic),
	}
}

// Publish marshals the payload to JSON, publishes it to topic, and blocks
// until the server acknowledges the message. It returns the server message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: make(map[string]string),
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.topicHandle(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes every cached topic and closes the underlying client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, topic := range p.topics {
		topic.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) topicHandle(topic string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle, ok := p.topics[topic]
	if !ok {
		handle = p.client.Topic(topic)
		p.topics[topic] = handle
	}
	return handle
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
