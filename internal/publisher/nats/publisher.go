// Package nats implements a NATS JetStream lifecycle publisher.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config captures the parameters required to connect to NATS.
type Config struct {
	// URL is the NATS server address.
	URL string `mapstructure:"url" yaml:"url"`
	// Stream, when set, is created or updated at construction.
	Stream string `mapstructure:"stream" yaml:"stream"`
	// Subjects overrides the subject filter of the ensured stream. Defaults
	// to "<stream>.>" lowercased.
	Subjects []string `mapstructure:"subjects" yaml:"subjects"`
}

// jetStream is the narrow slice of jetstream.JetStream the publisher uses.
type jetStream interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// connect is a variable to allow swapping the NATS dialer in tests.
var connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

// Publisher publishes JSON payloads to JetStream subjects.
type Publisher struct {
	conn *nats.Conn
	js   jetStream
}

// New connects to NATS, initializes JetStream, and ensures the configured
// stream exists.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	nc, err := connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream: %w", err)
	}
	p := &Publisher{conn: nc, js: js}
	if err := ensureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// NewWithJetStream constructs a Publisher from an existing JetStream handle
// (primarily for testing).
func NewWithJetStream(js jetStream) (*Publisher, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream is required")
	}
	return &Publisher{js: js}, nil
}

// ensureStream creates or updates the stream named in cfg.
func ensureStream(ctx context.Context, js jetStream, cfg Config) error {
	if cfg.Stream == "" {
		return nil
	}
	subjects := cfg.Subjects
	if len(subjects) == 0 {
		subjects = []string{strings.ToLower(cfg.Stream) + ".>"}
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}
	return nil
}

// Publish marshals the payload to JSON and publishes it to the subject.
// It returns "<stream>/<sequence>" from the server acknowledgement.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	ack, err := p.js.Publish(ctx, subject, data)
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return fmt.Sprintf("%s/%d", ack.Stream, ack.Sequence), nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() error {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}
