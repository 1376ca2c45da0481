package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/events"
)

func waitForState(t *testing.T, q Queue, id string, want State) *StatusRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := q.Status(context.Background(), id)
		if err == nil && rec.State == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := q.Status(context.Background(), id)
	t.Fatalf("job %s never reached %s (last: %+v)", id, want, rec)
	return nil
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Run(ctx) }()
	return cancel
}

func TestDispatcherCompletesJob(t *testing.T) {
	q := NewInMemory(8)
	bus := events.NewInMemory()
	d := NewDispatcher(q, bus, 2)

	done := make(chan struct{})
	if err := d.Register("work", func(ctx context.Context, job *Job) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	evts, unsub, _ := bus.Subscribe(context.Background())
	defer unsub()

	cancel := runDispatcher(t, d)
	defer cancel()

	job, err := q.Enqueue(context.Background(), "work", map[string]string{"k": "v"}, &Options{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	rec := waitForState(t, q, job.ID, StateCompleted)
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.Attempts)
	}

	var seen []string
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case evt := <-evts:
			if evt.CorrelationID != "corr-1" {
				t.Errorf("event %s correlation = %q, want corr-1", evt.Type, evt.CorrelationID)
			}
			seen = append(seen, evt.Type)
		case <-timeout:
			t.Fatalf("lifecycle events missing, saw %v", seen)
		}
	}
	if seen[0] != events.JobStarted || seen[1] != events.JobComplete {
		t.Errorf("event order = %v, want [jobStarted jobComplete]", seen)
	}
}

func TestDispatcherMarksJobActiveWhileRunning(t *testing.T) {
	q := NewInMemory(8)
	d := NewDispatcher(q, events.NewInMemory(), 2)

	release := make(chan struct{})
	if err := d.Register("slow", func(ctx context.Context, job *Job) error {
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	cancel := runDispatcher(t, d)
	defer cancel()

	job, err := q.Enqueue(context.Background(), "slow", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// While the handler is in flight the job reports active, not waiting.
	waitForState(t, q, job.ID, StateActive)

	close(release)
	waitForState(t, q, job.ID, StateCompleted)
}

func TestDispatcherUnknownTypeFailsWithoutRetry(t *testing.T) {
	q := NewInMemory(8)
	d := NewDispatcher(q, events.NewInMemory(), 2)

	handled := make(chan struct{})
	if err := d.Register("known", func(ctx context.Context, job *Job) error {
		close(handled)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	cancel := runDispatcher(t, d)
	defer cancel()

	job, err := q.Enqueue(context.Background(), "no-such-type", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, job.ID, StateFailed)
	if rec.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (never invoked)", rec.Attempts)
	}
	if !strings.Contains(rec.LastError, "unknown job type") {
		t.Errorf("last error = %q", rec.LastError)
	}

	// The worker survives and keeps processing.
	if _, err := q.Enqueue(context.Background(), "known", nil, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped processing after unknown job type")
	}
}

func TestDispatcherRetryAccounting(t *testing.T) {
	q := NewInMemory(8)
	d := NewDispatcher(q, events.NewInMemory(), 2)

	var mu sync.Mutex
	var calls []time.Time
	if err := d.Register("flaky", func(ctx context.Context, job *Job) error {
		mu.Lock()
		calls = append(calls, time.Now())
		n := len(calls)
		mu.Unlock()
		if n < 3 {
			return errors.New("transient failure")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	cancel := runDispatcher(t, d)
	defer cancel()

	base := 30 * time.Millisecond
	job, err := q.Enqueue(context.Background(), "flaky", nil, &Options{MaxAttempts: 3, BackoffBase: base})
	if err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, job.ID, StateCompleted)
	if rec.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", rec.Attempts)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 3 {
		t.Fatalf("handler invoked %d times, want 3", len(calls))
	}
	// Backoff doubles: attempt gaps are lower-bounded by base and 2*base.
	if gap := calls[1].Sub(calls[0]); gap < base {
		t.Errorf("first retry after %s, want >= %s", gap, base)
	}
	if gap := calls[2].Sub(calls[1]); gap < 2*base {
		t.Errorf("second retry after %s, want >= %s", gap, 2*base)
	}
}

func TestDispatcherRetriesExhausted(t *testing.T) {
	q := NewInMemory(8)
	d := NewDispatcher(q, events.NewInMemory(), 2)

	var mu sync.Mutex
	calls := 0
	if err := d.Register("doomed", func(ctx context.Context, job *Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("still broken")
	}); err != nil {
		t.Fatal(err)
	}

	cancel := runDispatcher(t, d)
	defer cancel()

	job, err := q.Enqueue(context.Background(), "doomed", nil, &Options{MaxAttempts: 2, BackoffBase: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, job.ID, StateFailed)
	if rec.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", rec.Attempts)
	}
	mu.Lock()
	if calls != 2 {
		t.Errorf("handler invoked %d times, want 2", calls)
	}
	mu.Unlock()
}

func TestDispatcherUnrecoverableSkipsRetries(t *testing.T) {
	q := NewInMemory(8)
	d := NewDispatcher(q, events.NewInMemory(), 2)

	var mu sync.Mutex
	calls := 0
	if err := d.Register("rejected", func(ctx context.Context, job *Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return Unrecoverable("business rule says no")
	}); err != nil {
		t.Fatal(err)
	}

	cancel := runDispatcher(t, d)
	defer cancel()

	job, err := q.Enqueue(context.Background(), "rejected", nil, &Options{MaxAttempts: 3, BackoffBase: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, job.ID, StateFailed)
	if rec.LastError != "business rule says no" {
		t.Errorf("last error = %q", rec.LastError)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if calls != 1 {
		t.Errorf("handler invoked %d times, want 1", calls)
	}
	mu.Unlock()
}

func TestDispatcherContainsPanics(t *testing.T) {
	q := NewInMemory(8)
	d := NewDispatcher(q, events.NewInMemory(), 2)

	if err := d.Register("panicky", func(ctx context.Context, job *Job) error {
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}

	cancel := runDispatcher(t, d)
	defer cancel()

	job, err := q.Enqueue(context.Background(), "panicky", nil, &Options{MaxAttempts: 1, BackoffBase: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	rec := waitForState(t, q, job.ID, StateFailed)
	if !strings.Contains(rec.LastError, "panic") {
		t.Errorf("last error = %q, want panic mention", rec.LastError)
	}
}

func TestRegisterValidation(t *testing.T) {
	d := NewDispatcher(NewInMemory(1), events.NewInMemory(), 1)
	h := func(ctx context.Context, job *Job) error { return nil }

	if err := d.Register("", h); err == nil {
		t.Error("empty job type accepted")
	}
	if err := d.Register("x", nil); err == nil {
		t.Error("nil handler accepted")
	}
	if err := d.Register("x", h); err != nil {
		t.Errorf("first registration failed: %v", err)
	}
	if err := d.Register("x", h); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestIsUnrecoverable(t *testing.T) {
	if !IsUnrecoverable(Unrecoverable("no")) {
		t.Error("direct unrecoverable not detected")
	}
	wrapped := fmt.Errorf("mark attendance: %w", Unrecoverable("no"))
	if !IsUnrecoverable(wrapped) {
		t.Error("wrapped unrecoverable not detected")
	}
	if IsUnrecoverable(errors.New("transient")) {
		t.Error("plain error classified unrecoverable")
	}
}
