package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no status record exists for a job id.
var ErrNotFound = errors.New("queue: job not found")

// Queue is the durable work queue shared by the API (producer) and the
// worker processes (consumers). Delivery is at-least-once; Enqueue returns
// once the job is durably recorded, not once it is processed.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts *Options) (*Job, error)
	Consume(ctx context.Context) (<-chan *Job, error)
	Ack(ctx context.Context, job *Job) error
	Requeue(ctx context.Context, job *Job, delay time.Duration) error
	SetStatus(ctx context.Context, job *Job, state State, lastErr string) error
	Status(ctx context.Context, id string) (*StatusRecord, error)
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
)

func buildJob(jobType string, payload interface{}, opts *Options) (*Job, error) {
	if jobType == "" {
		return nil, errors.New("queue: job type required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     data,
		MaxAttempts: defaultMaxAttempts,
		BackoffBase: defaultBackoffBase,
		EnqueuedAt:  time.Now().UTC(),
	}
	if opts != nil {
		if opts.MaxAttempts > 0 {
			job.MaxAttempts = opts.MaxAttempts
		}
		if opts.BackoffBase > 0 {
			job.BackoffBase = opts.BackoffBase
		}
		job.CorrelationID = opts.CorrelationID
		job.UserID = opts.UserID
	}
	return job, nil
}

// RedisQueue is a Redis-list-backed durable queue. Waiting jobs live in a
// list, retried jobs in a delayed sorted set, and each dequeued job is
// atomically moved to a per-consumer processing list so a crashed worker's
// jobs can be reclaimed.
type RedisQueue struct {
	client    *redis.Client
	key       string
	consumer  string
	retention time.Duration
}

// NewRedisQueue builds a queue rooted at key. consumer names this process's
// processing list; pass something stable across restarts so reclaim works.
func NewRedisQueue(client *redis.Client, key, consumer string, retention time.Duration) *RedisQueue {
	if key == "" {
		key = "courserep:jobs"
	}
	if consumer == "" {
		consumer = "worker"
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisQueue{client: client, key: key, consumer: consumer, retention: retention}
}

func (q *RedisQueue) waitingKey() string    { return q.key + ":waiting" }
func (q *RedisQueue) delayedKey() string    { return q.key + ":delayed" }
func (q *RedisQueue) processingKey() string { return q.key + ":processing:" + q.consumer }
func (q *RedisQueue) statusKey(id string) string {
	return q.key + ":status:" + id
}

// Enqueue durably records the job and returns its handle. Fails only when
// Redis is unreachable; no job is created in that case.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts *Options) (*Job, error) {
	job, err := buildJob(jobType, payload, opts)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := q.client.LPush(ctx, q.waitingKey(), data).Err(); err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	_ = q.SetStatus(ctx, job, StateWaiting, "")
	return job, nil
}

// Consume streams jobs for this consumer. Stale entries left in the
// processing list by a previous run are requeued first.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan *Job, error) {
	if err := q.reclaim(ctx); err != nil {
		return nil, err
	}

	out := make(chan *Job)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			q.promoteDelayed(ctx)

			raw, err := q.client.BLMove(ctx, q.waitingKey(), q.processingKey(), "RIGHT", "LEFT", 5*time.Second).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("queue: dequeue failed: %v", err)
				time.Sleep(time.Second)
				continue
			}

			var job Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				log.Printf("queue: drop undecodable job: %v", err)
				_ = q.client.LRem(ctx, q.processingKey(), 1, raw).Err()
				continue
			}
			job.raw = raw

			select {
			case out <- &job:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// reclaim moves anything left on the processing list back to waiting.
func (q *RedisQueue) reclaim(ctx context.Context) error {
	for {
		raw, err := q.client.RPopLPush(ctx, q.processingKey(), q.waitingKey()).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("queue: reclaim: %w", err)
		}
		log.Printf("queue: reclaimed stale job %s", snippet(raw))
	}
}

// promoteDelayed moves retry-scheduled jobs whose time has come back to the
// waiting list.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, raw := range due {
		if removed, err := q.client.ZRem(ctx, q.delayedKey(), raw).Result(); err != nil || removed == 0 {
			continue // another worker promoted it
		}
		if err := q.client.LPush(ctx, q.waitingKey(), raw).Err(); err != nil {
			log.Printf("queue: promote delayed job failed: %v", err)
		}
	}
}

// Ack removes a finished job from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	return q.client.LRem(ctx, q.processingKey(), 1, job.raw).Err()
}

// Requeue schedules the job's next attempt after delay.
func (q *RedisQueue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: data}).Err(); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, job.raw).Err(); err != nil {
		return err
	}
	return q.SetStatus(ctx, job, StateDelayed, "")
}

// SetStatus writes the retained status record with the retention TTL.
func (q *RedisQueue) SetStatus(ctx context.Context, job *Job, state State, lastErr string) error {
	rec := StatusRecord{
		ID:        job.ID,
		Type:      job.Type,
		State:     state,
		Attempts:  job.AttemptsMade,
		LastError: lastErr,
	}
	if state == StateCompleted || state == StateFailed {
		rec.FinishedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.statusKey(job.ID), data, q.retention).Err()
}

// Status returns the retained record for a job id.
func (q *RedisQueue) Status(ctx context.Context, id string) (*StatusRecord, error) {
	raw, err := q.client.Get(ctx, q.statusKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec StatusRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func snippet(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

// InMemory is a channel-backed queue for dev/testing. Jobs do not survive a
// restart; everything else matches the Redis queue's contract.
type InMemory struct {
	ch     chan *Job
	mu     sync.Mutex
	status map[string]*StatusRecord
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{
		ch:     make(chan *Job, size),
		status: make(map[string]*StatusRecord),
	}
}

// Enqueue places the job on the channel.
func (q *InMemory) Enqueue(ctx context.Context, jobType string, payload interface{}, opts *Options) (*Job, error) {
	job, err := buildJob(jobType, payload, opts)
	if err != nil {
		return nil, err
	}
	select {
	case q.ch <- job:
		_ = q.SetStatus(ctx, job, StateWaiting, "")
		return job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan *Job, error) {
	out := make(chan *Job)
	go func() {
		defer close(out)
		for {
			select {
			case job := <-q.ch:
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ack is a no-op; channel receive already removed the job.
func (q *InMemory) Ack(context.Context, *Job) error { return nil }

// Requeue re-delivers the job after delay. The send blocks until channel
// space frees up; a delayed job is never silently lost.
func (q *InMemory) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	_ = q.SetStatus(ctx, job, StateDelayed, "")
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		select {
		case q.ch <- job:
		case <-ctx.Done():
		}
	}()
	return nil
}

// SetStatus records the job outcome.
func (q *InMemory) SetStatus(_ context.Context, job *Job, state State, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec := &StatusRecord{ID: job.ID, Type: job.Type, State: state, Attempts: job.AttemptsMade, LastError: lastErr}
	if state == StateCompleted || state == StateFailed {
		rec.FinishedAt = time.Now().UTC()
	}
	q.status[job.ID] = rec
	return nil
}

// Status returns the recorded outcome.
func (q *InMemory) Status(_ context.Context, id string) (*StatusRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.status[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
