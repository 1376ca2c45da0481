package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lord-joeh/course-rep-management-system-sub000/internal/events"
)

// Handler processes one job. Returning an error created with Unrecoverable
// marks the job permanently failed without consuming further attempts; any
// other error is retried with backoff up to the job's MaxAttempts.
type Handler func(ctx context.Context, job *Job) error

// UnrecoverableError marks a failure retrying cannot fix (business-rule
// rejection, policy violation).
type UnrecoverableError struct {
	Reason string
}

func (e *UnrecoverableError) Error() string { return e.Reason }

// Unrecoverable builds a non-retryable job error.
func Unrecoverable(format string, args ...interface{}) error {
	return &UnrecoverableError{Reason: fmt.Sprintf(format, args...)}
}

// IsUnrecoverable reports whether err is (or wraps) an UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var u *UnrecoverableError
	return errors.As(err, &u)
}

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courserep_jobs_processed_total",
		Help: "Jobs finished by type and result.",
	}, []string{"type", "result"})
	jobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courserep_jobs_retried_total",
		Help: "Job attempts that failed and were requeued.",
	}, []string{"type"})
)

// Dispatcher leases jobs from the queue and routes them by type to
// registered handlers, at most `concurrency` in flight at once.
type Dispatcher struct {
	queue       Queue
	bus         events.Bus
	concurrency int
	handlers    map[string]Handler
}

// NewDispatcher creates a dispatcher; register handlers before Run.
func NewDispatcher(q Queue, bus events.Bus, concurrency int) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Dispatcher{
		queue:       q,
		bus:         bus,
		concurrency: concurrency,
		handlers:    make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Duplicate or empty registrations
// are a startup error, not a runtime surprise.
func (d *Dispatcher) Register(jobType string, h Handler) error {
	if jobType == "" {
		return errors.New("dispatcher: empty job type")
	}
	if h == nil {
		return fmt.Errorf("dispatcher: nil handler for %q", jobType)
	}
	if _, exists := d.handlers[jobType]; exists {
		return fmt.Errorf("dispatcher: handler already registered for %q", jobType)
	}
	d.handlers[jobType] = h
	return nil
}

// Run consumes jobs until ctx is cancelled, then waits for in-flight jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	jobs, err := d.queue.Consume(ctx)
	if err != nil {
		return err
	}

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	for job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job *Job) {
			defer func() {
				<-sem
				wg.Done()
			}()
			d.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) process(ctx context.Context, job *Job) {
	_ = d.queue.SetStatus(ctx, job, StateActive, "")
	d.publish(ctx, events.Event{
		Type: events.JobStarted, JobID: job.ID, JobType: job.Type,
		CorrelationID: job.CorrelationID, UserID: job.UserID,
	})

	handler, ok := d.handlers[job.Type]
	if !ok {
		// Can never succeed; fail immediately without retry.
		d.finishFailed(ctx, job, fmt.Sprintf("unknown job type %q", job.Type))
		return
	}

	job.AttemptsMade++
	err := d.invoke(ctx, handler, job)
	switch {
	case err == nil:
		if ackErr := d.queue.Ack(ctx, job); ackErr != nil {
			log.Printf("dispatcher: ack job %s: %v", job.ID, ackErr)
		}
		_ = d.queue.SetStatus(ctx, job, StateCompleted, "")
		jobsProcessed.WithLabelValues(job.Type, "completed").Inc()
		d.publish(ctx, events.Event{
			Type: events.JobComplete, JobID: job.ID, JobType: job.Type,
			CorrelationID: job.CorrelationID, UserID: job.UserID,
		})

	case IsUnrecoverable(err):
		log.Printf("dispatcher: job %s (%s) rejected: %v", job.ID, job.Type, err)
		d.finishFailed(ctx, job, err.Error())

	case job.AttemptsMade < job.MaxAttempts:
		delay := job.Backoff()
		log.Printf("dispatcher: job %s (%s) attempt %d/%d failed, retrying in %s: %v",
			job.ID, job.Type, job.AttemptsMade, job.MaxAttempts, delay, err)
		jobsRetried.WithLabelValues(job.Type).Inc()
		if rqErr := d.queue.Requeue(ctx, job, delay); rqErr != nil {
			log.Printf("dispatcher: requeue job %s: %v", job.ID, rqErr)
			d.finishFailed(ctx, job, err.Error())
		}

	default:
		log.Printf("dispatcher: job %s (%s) failed after %d attempts: %v",
			job.ID, job.Type, job.AttemptsMade, err)
		d.finishFailed(ctx, job, err.Error())
	}
}

// invoke contains a panicking handler so one bad job cannot kill the worker.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (d *Dispatcher) finishFailed(ctx context.Context, job *Job, reason string) {
	if err := d.queue.Ack(ctx, job); err != nil {
		log.Printf("dispatcher: ack job %s: %v", job.ID, err)
	}
	_ = d.queue.SetStatus(ctx, job, StateFailed, reason)
	jobsProcessed.WithLabelValues(job.Type, "failed").Inc()
	d.publish(ctx, events.Event{
		Type: events.JobFailed, JobID: job.ID, JobType: job.Type,
		Error: reason, CorrelationID: job.CorrelationID, UserID: job.UserID,
	})
}

func (d *Dispatcher) publish(ctx context.Context, evt events.Event) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, evt); err != nil {
		log.Printf("dispatcher: publish %s event: %v", evt.Type, err)
	}
}
