// Package memory keeps shard notifications in process when no broker is
// configured. Payloads are JSON-encoded exactly as the pubsub publisher sends
// them, so a run without Pub/Sub still exercises the wire format.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/ccja/internal/corpus"
)

// Message is one accepted publish.
type Message struct {
	ID    string
	Event string
	Data  []byte
}

// Publisher implements corpus.Publisher over a slice.
type Publisher struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload and records it under the event name.
func (p *Publisher) Publish(_ context.Context, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", fmt.Errorf("publisher closed")
	}
	id := fmt.Sprintf("mem-%06d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Event: event, Data: data})
	return id, nil
}

// Close rejects later publishes.
func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

// Shards decodes the ShardInfo payloads published under event.
func (p *Publisher) Shards(event string) ([]corpus.ShardInfo, error) {
	var out []corpus.ShardInfo
	for _, msg := range p.Messages() {
		if msg.Event != event {
			continue
		}
		var info corpus.ShardInfo
		if err := json.Unmarshal(msg.Data, &info); err != nil {
			return nil, fmt.Errorf("decode %s: %w", msg.ID, err)
		}
		out = append(out, info)
	}
	return out, nil
}
