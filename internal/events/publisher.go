package events

import (
	"context"
	"sync"

	interfaces "github.com/sheikh-saqib/finance-ledger/internal/interfaces"
)

// Topic suffixes; the full topic is "<prefix>.<suffix>".
const (
	TopicTransactionCommitted = "transaction.committed"
	TopicTransactionReversed  = "transaction.reversed"
	TopicBalanceDrift         = "balance.drift"
)

// Topic joins a prefix and a suffix.
func Topic(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, topic string, key string, event any) error {
	return nil
}

// Published is one event captured by a Recorder.
type Published struct {
	Topic string
	Key   string
	Event any
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(ctx context.Context, topic string, key string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Topic: topic, Key: key, Event: event})
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// ByTopic returns the recorded events published to topic.
func (r *Recorder) ByTopic(topic string) []Published {
	var out []Published
	for _, e := range r.Events() {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

var _ interfaces.EventPublisher = NopPublisher{}
var _ interfaces.EventPublisher = (*Recorder)(nil)
