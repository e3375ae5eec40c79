// Package memory is the in-process publisher backend. It records lifecycle
// payloads instead of sending them to a broker, which is what tests and the
// default configuration want.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Message captures one publish call.
type Message struct {
	Topic   string
	Payload any
}

// Publisher stores published lifecycle payloads for later inspection.
type Publisher struct {
	mu   sync.RWMutex
	seq  int
	msgs []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.msgs = append(p.msgs, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", p.seq), nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

// ByTopic returns the recorded messages published to the given topic.
func (p *Publisher) ByTopic(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Message
	for _, m := range p.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
