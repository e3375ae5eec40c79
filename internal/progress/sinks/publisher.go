package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markolofsen/unrealon-sdk/internal/delivery"
	"github.com/markolofsen/unrealon-sdk/internal/progress"
)

// DefaultLifecycleTopic is used when PublisherSink is built with an empty
// topic.
const DefaultLifecycleTopic = "parser.lifecycle"

// Publisher forwards lifecycle payloads to an external broker. The concrete
// implementations live under internal/publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// LifecycleMessage is the payload published for run lifecycle transitions.
type LifecycleMessage struct {
	RunID      string            `json:"run_id"`
	Session    string            `json:"session"`
	Stage      string            `json:"stage"`
	Counts     delivery.Snapshot `json:"counts"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Error      string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

// PublisherSink forwards run lifecycle events (start and terminal stages) to
// an external broker. Page and batch events are intentionally not forwarded
// to keep outbound traffic low-volume.
type PublisherSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink wires a broker publisher to the sink interface.
func NewPublisherSink(pub Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if topic == "" {
		topic = DefaultLifecycleTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes one message per lifecycle event in the batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	for _, evt := range batch {
		if evt.Stage != progress.StageRunStart && !evt.Terminal() {
			continue
		}
		msg := LifecycleMessage{
			RunID:      evt.RunUUID().String(),
			Session:    evt.Session,
			Stage:      string(evt.Stage),
			Counts:     evt.Counts,
			DurationMS: evt.Dur.Milliseconds(),
			Error:      evt.Note,
			At:         evt.TS,
		}
		msgID, err := s.pub.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish lifecycle event: %w", err)
		}
		s.logger.Debug("lifecycle event published",
			zap.String("run_id", msg.RunID),
			zap.String("stage", msg.Stage),
			zap.String("message_id", msgID),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
