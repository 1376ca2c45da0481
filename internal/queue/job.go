package queue

import (
	"encoding/json"
	"time"
)

// State is a job's position in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// Job is the durable envelope for one unit of queued work.
type Job struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	BackoffBase   time.Duration   `json:"backoff_base"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`

	// raw is the serialized form this job was dequeued with, used to
	// remove it from the processing list on ack/requeue.
	raw string
}

// Options override the queue's default retry policy for one job.
type Options struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	CorrelationID string
	UserID        string
}

// Backoff returns the delay before the next attempt: base doubled per
// attempt already made.
func (j *Job) Backoff() time.Duration {
	base := j.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	d := base
	for i := 1; i < j.AttemptsMade; i++ {
		d *= 2
	}
	return d
}

// StatusRecord is the retained outcome of a finished (or in-flight) job,
// pruned after the queue's retention window.
type StatusRecord struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
