package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/metrics"
	"github.com/shineum/mailgate/internal/provider"
)

// Recorder receives the outcome of every job that reaches a terminal state
// and of every direct send.
type Recorder interface {
	Record(out email.Outcome, template, recipient string)
}

// Config holds worker pool settings.
type Config struct {
	// Workers is the number of concurrent job processors.
	Workers int

	// PollInterval bounds how long an idle worker waits before looking for
	// due delayed jobs.
	PollInterval time.Duration

	// JobTimeout caps a single provider invocation.
	JobTimeout time.Duration

	// Defaults are the options applied by Enqueue and EnqueueBulk.
	Defaults Options
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	c.Defaults = c.Defaults.withDefaults()
	return c
}

// storeTimeout bounds bookkeeping writes made after a provider call.
const storeTimeout = 10 * time.Second

const (
	settleAttempts     = 4
	defaultSettleDelay = 250 * time.Millisecond
)

// Queue dispatches outbound messages through a single provider.
type Queue struct {
	store    Store
	provider provider.Provider
	recorder Recorder
	cfg      Config
	now      func() time.Time

	settleDelay time.Duration

	// wake nudges idle workers after an enqueue or resume.
	wake chan struct{}

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

// New returns a Queue backed by store that delivers through p. recorder
// may be nil.
func New(store Store, p provider.Provider, recorder Recorder, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		store:    store,
		provider: p,
		recorder: recorder,
		cfg:      cfg,
		now:      time.Now,
		wake:     make(chan struct{}, cfg.Workers),

		settleDelay: defaultSettleDelay,
	}
}

// Provider returns the provider jobs are delivered through.
func (q *Queue) Provider() provider.Provider {
	return q.provider
}

// Enqueue adds msg with the queue's default options.
func (q *Queue) Enqueue(ctx context.Context, msg *email.Message) (*Job, error) {
	return q.EnqueueWithOptions(ctx, msg, q.cfg.Defaults)
}

// EnqueueWithOptions adds msg with explicit options. The returned job's id
// is stable and can be polled with Job.
func (q *Queue) EnqueueWithOptions(ctx context.Context, msg *email.Message, opts Options) (*Job, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	j := q.newJob(msg, opts.withDefaults(), q.now())
	if err := q.store.Add(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}
	slog.Debug("job enqueued", "job_id", j.ID, "recipients", len(msg.To))
	q.notify()
	return j, nil
}

// EnqueueBulk validates every message before adding any, then adds them
// all in one store write. Jobs are returned in input order.
func (q *Queue) EnqueueBulk(ctx context.Context, msgs []*email.Message) ([]*Job, error) {
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}

	now := q.now()
	opts := q.cfg.Defaults
	jobs := make([]*Job, len(msgs))
	for i, m := range msgs {
		jobs[i] = q.newJob(m, opts, now)
	}
	if err := q.store.Add(ctx, jobs...); err != nil {
		return nil, fmt.Errorf("enqueueing %d jobs: %w", len(jobs), err)
	}
	slog.Info("bulk jobs enqueued", "count", len(jobs))
	q.notify()
	return jobs, nil
}

func (q *Queue) newJob(msg *email.Message, opts Options, now time.Time) *Job {
	return &Job{
		ID:               newID(),
		Message:          msg,
		State:            StateWaiting,
		MaxAttempts:      opts.Attempts,
		Backoff:          opts.Backoff,
		Priority:         opts.Priority,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		RunAt:            now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// newID returns a time-ordered job id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Job returns the current state of a job, or ErrNotFound.
func (q *Queue) Job(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// Stats returns a snapshot of the queue and publishes it as gauges.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st, err := q.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	metrics.QueueJobs.WithLabelValues(string(StateWaiting)).Set(float64(st.Waiting))
	metrics.QueueJobs.WithLabelValues(string(StateDelayed)).Set(float64(st.Delayed))
	metrics.QueueJobs.WithLabelValues(string(StateActive)).Set(float64(st.Active))
	return st, nil
}

// Pause stops workers from claiming new jobs. Jobs already claimed run to
// completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return
	}
	q.paused = true
	q.resumed = make(chan struct{})
	slog.Info("queue paused")
}

// Resume lets workers claim jobs again.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	close(q.resumed)
	slog.Info("queue resumed")
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear discards waiting and delayed jobs and returns how many were
// removed. Active jobs are not interrupted.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	n, err := q.store.ClearPending(ctx)
	if err != nil {
		return 0, err
	}
	slog.Info("queue cleared", "removed", n)
	return n, nil
}

// SendDirect delivers msg synchronously, bypassing the queue, and records
// the outcome.
func (q *Queue) SendDirect(ctx context.Context, msg *email.Message) (email.Outcome, error) {
	if err := msg.Validate(); err != nil {
		return email.Outcome{}, err
	}
	out, err := q.invoke(ctx, msg, "")
	q.record(out, msg)
	return out, err
}

// Run requeues jobs abandoned by a previous process, then processes jobs
// with the configured number of workers until ctx is cancelled. It returns
// once every in-flight job has finished.
func (q *Queue) Run(ctx context.Context) error {
	rec, err := q.store.RequeueActive(ctx, q.now())
	if err != nil {
		return fmt.Errorf("requeueing active jobs: %w", err)
	}
	if rec.Requeued > 0 {
		slog.Warn("requeued jobs left active by a previous run", "count", rec.Requeued)
	}
	if rec.Failed > 0 {
		slog.Warn("failed jobs interrupted on their final attempt", "count", rec.Failed)
	}

	slog.Info("queue workers starting",
		"workers", q.cfg.Workers,
		"provider", q.provider.Name(),
	)

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	slog.Info("queue workers stopped")
	return nil
}

func (q *Queue) notify() {
	for i := 0; i < cap(q.wake); i++ {
		select {
		case q.wake <- struct{}{}:
		default:
			return
		}
	}
}

// waitUnpaused blocks while the queue is paused. It returns false when ctx
// is done.
func (q *Queue) waitUnpaused(ctx context.Context) bool {
	q.mu.Lock()
	paused, resumed := q.paused, q.resumed
	q.mu.Unlock()

	if !paused {
		return ctx.Err() == nil
	}
	select {
	case <-resumed:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	for {
		if !q.waitUnpaused(ctx) {
			return
		}

		job, err := q.store.Claim(ctx, q.now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claiming job failed", "worker", id, "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.process(job)
	}
}

// process runs one attempt of job. The attempt is detached from the worker
// context so shutdown lets it finish. Once the provider has answered, the
// outcome is recorded even if the store write that follows fails.
func (q *Queue) process(job *Job) {
	log := slog.With("job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts)

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.JobTimeout)
	out, err := q.invoke(ctx, job.Message, job.ID)
	cancel()

	now := q.now()

	switch {
	case err == nil:
		metrics.JobsProcessed.WithLabelValues("completed").Inc()
		q.record(out, job.Message)
		serr := q.settle(func(ctx context.Context) error {
			return q.store.Complete(ctx, job.ID, out, job.RemoveOnComplete, now)
		})
		if serr != nil {
			log.Error("marking job completed failed", "error", serr, "message_id", out.MessageID)
			return
		}
		log.Info("job completed", "provider", out.Provider, "message_id", out.MessageID)

	case provider.IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
		q.record(out, job.Message)
		serr := q.settle(func(ctx context.Context) error {
			return q.store.Fail(ctx, job.ID, err.Error(), job.RemoveOnFail, now)
		})
		if serr != nil {
			log.Error("marking job failed failed", "error", serr)
			return
		}
		log.Error("job failed", "error", err, "permanent", provider.IsPermanent(err))

	default:
		delay := Backoff(job.Backoff, job.Attempts)
		serr := q.settle(func(ctx context.Context) error {
			return q.store.Retry(ctx, job.ID, err.Error(), now.Add(delay), now)
		})
		if serr != nil {
			log.Error("rescheduling job failed", "error", serr)
			return
		}
		metrics.JobsProcessed.WithLabelValues("retried").Inc()
		log.Warn("job attempt failed, retrying", "error", err, "delay", delay)
	}
}

// settle runs a bookkeeping write, retrying it up to settleAttempts times
// with doubling delays. A missing job is not retried.
func (q *Queue) settle(write func(ctx context.Context) error) error {
	delay := q.settleDelay
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := write(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrNotFound) || attempt == settleAttempts {
			return err
		}
		slog.Warn("store write failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		time.Sleep(delay)
		delay *= 2
	}
}

// invoke calls the provider once. A panic or an unsuccessful outcome
// without an error is turned into a provider error.
func (q *Queue) invoke(ctx context.Context, msg *email.Message, jobID string) (out email.Outcome, err error) {
	name := q.provider.Name()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("provider panicked",
				"job_id", jobID,
				"provider", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = provider.Wrap(name, fmt.Errorf("panic: %v", r))
		}
		if err == nil && !out.Success {
			reason := out.Error
			if reason == "" {
				reason = "provider reported failure"
			}
			err = provider.Wrap(name, errors.New(reason))
		}
		if err != nil {
			if out.Error == "" {
				out = email.Failed(name, err)
			}
			out.Success = false
		}
		if out.Provider == "" {
			out.Provider = name
		}

		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ProviderSend.WithLabelValues(name, result).Observe(time.Since(start).Seconds())
	}()

	return q.provider.Send(ctx, msg)
}

func (q *Queue) record(out email.Outcome, msg *email.Message) {
	if q.recorder == nil {
		return
	}
	q.recorder.Record(out, msg.Template(), msg.Recipient())
}
