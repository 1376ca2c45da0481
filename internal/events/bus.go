package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event types published around a job's lifecycle.
const (
	JobStarted  = "jobStarted"
	JobProgress = "jobProgress"
	JobComplete = "jobComplete"
	JobFailed   = "jobFailed"
)

// DefaultChannel is the pub/sub channel worker events are published on.
const DefaultChannel = "courserep:events"

// Event is an ephemeral worker lifecycle message. It is never persisted;
// subscribers connected after publish do not see it.
type Event struct {
	Type          string `json:"type"`
	JobID         string `json:"job_id,omitempty"`
	JobType       string `json:"job_type"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	Progress      int    `json:"progress,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	UserID        string `json:"user_id,omitempty"`
}

// Bus fans worker events out to live subscribers, best-effort.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// InMemory is a process-local bus for dev/testing.
type InMemory struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewInMemory creates an in-memory bus.
func NewInMemory() *InMemory {
	return &InMemory{subs: make(map[chan Event]struct{})}
}

// Publish delivers to all current subscribers, dropping for slow ones.
func (b *InMemory) Publish(_ context.Context, evt Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber channel until the returned func is called.
func (b *InMemory) Subscribe(_ context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel, nil
}

// RedisBus publishes events over Redis Pub/Sub so the API and worker
// processes can exchange them.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus builds a bus on the given channel.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBus{client: client, channel: channel}
}

// Publish sends the event fire-and-forget.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe streams events until the returned cancel func is called.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("events: drop undecodable message: %v", err)
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}
