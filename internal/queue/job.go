// Package queue implements the dispatch queue: durable outbound send jobs,
// a pool of workers invoking the configured provider, and exponential
// backoff between attempts.
package queue

import (
	"errors"
	"time"

	"github.com/shineum/mailgate/internal/email"
)

// State is a job lifecycle state.
type State string

// Job states. A failed attempt moves the job to delayed until its backoff
// elapses; it is terminally failed once its attempts are exhausted.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrNotFound is returned when a job id is unknown. Completed jobs are not
// retained when RemoveOnComplete is set.
var ErrNotFound = errors.New("job not found")

// Defaults applied by Options.withDefaults.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// Options controls retry and retention of a single job.
type Options struct {
	Attempts         int           `json:"attempts" yaml:"attempts"`
	Backoff          time.Duration `json:"backoff" yaml:"backoff"`
	RemoveOnComplete bool          `json:"removeOnComplete" yaml:"remove_on_complete"`
	RemoveOnFail     bool          `json:"removeOnFail" yaml:"remove_on_fail"`

	// Priority orders claims; lower runs first. Jobs of equal priority run
	// in enqueue order.
	Priority int `json:"priority" yaml:"priority"`
}

// DefaultOptions returns the stock job options.
func DefaultOptions() Options {
	return Options{
		Attempts:         DefaultAttempts,
		Backoff:          DefaultBackoff,
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// Job is one unit of outbound delivery work.
type Job struct {
	ID          string         `json:"id"`
	Message     *email.Message `json:"data"`
	State       State          `json:"state"`
	Attempts    int            `json:"attemptsMade"`
	MaxAttempts int            `json:"maxAttempts"`
	Backoff     time.Duration  `json:"-"`
	Priority    int            `json:"priority"`
	LastError   string         `json:"failedReason,omitempty"`
	Result      *email.Outcome `json:"returnValue,omitempty"`
	RunAt       time.Time      `json:"runAt"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	FinishedAt  *time.Time     `json:"finishedAt,omitempty"`

	RemoveOnComplete bool `json:"-"`
	RemoveOnFail     bool `json:"-"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

func (j *Job) clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Stats is a snapshot of the queue. Completed and Failed are cumulative
// counts, so they survive job removal.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

func (s *Stats) sum() {
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
}

// Backoff returns the delay before the next attempt after attempts failed
// ones: base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		if d > time.Hour {
			return d
		}
		d *= 2
	}
	return d
}
