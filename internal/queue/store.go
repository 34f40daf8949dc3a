package queue

import (
	"context"
	"time"

	"github.com/shineum/mailgate/internal/email"
)

// Store persists jobs. Implementations must make Claim atomic: a job is
// handed to at most one caller.
type Store interface {
	// Add inserts jobs in order.
	Add(ctx context.Context, jobs ...*Job) error

	// Claim moves the next runnable job (waiting, or delayed with RunAt
	// <= now) to active, increments its attempt count and returns it.
	// It returns nil, nil when nothing is runnable.
	Claim(ctx context.Context, now time.Time) (*Job, error)

	// Complete marks an active job completed, or deletes it when remove
	// is set, and bumps the completed counter.
	Complete(ctx context.Context, id string, result email.Outcome, remove bool, now time.Time) error

	// Retry moves an active job to delayed until runAt.
	Retry(ctx context.Context, id string, reason string, runAt, now time.Time) error

	// Fail marks an active job terminally failed, or deletes it when
	// remove is set, and bumps the failed counter.
	Fail(ctx context.Context, id string, reason string, remove bool, now time.Time) error

	// Get returns a job by id or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Counts returns a consistent snapshot of the queue.
	Counts(ctx context.Context) (Stats, error)

	// ClearPending deletes waiting and delayed jobs. Active jobs are untouched.
	ClearPending(ctx context.Context) (int, error)

	// RequeueActive returns jobs left active by a previous process to
	// waiting with their attempt counts kept. Jobs that were on their last
	// attempt are failed instead and count towards the failed counter.
	RequeueActive(ctx context.Context, now time.Time) (Recovery, error)

	Close() error
}

// Recovery reports what RequeueActive did with abandoned jobs.
type Recovery struct {
	Requeued int
	Failed   int
}

const abandonedReason = "interrupted during final attempt"
