package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shineum/mailgate/internal/email"
)

// MemoryStore keeps jobs in process memory. It loses everything on exit
// and is meant for tests and QUEUE_DRIVER=memory.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	order     []string
	seq       map[string]int64
	next      int64
	completed int
	failed    int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		seq:  make(map[string]int64),
	}
}

func (s *MemoryStore) Add(_ context.Context, jobs ...*Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			return fmt.Errorf("job %s already exists", j.ID)
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j.clone()
		s.seq[j.ID] = s.next
		s.next++
		s.order = append(s.order, j.ID)
	}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j == nil || (j.State != StateWaiting && j.State != StateDelayed) || j.RunAt.After(now) {
			continue
		}
		if best == nil || s.before(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = StateActive
	best.Attempts++
	best.UpdatedAt = now
	return best.clone(), nil
}

// before orders runnable jobs by priority, then due time, then insertion.
func (s *MemoryStore) before(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return s.seq[a.ID] < s.seq[b.ID]
}

func (s *MemoryStore) active(id string) (*Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateActive {
		return nil, fmt.Errorf("job %s is %s, not active", id, j.State)
	}
	return j, nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result email.Outcome, remove bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.active(id)
	if err != nil {
		return err
	}
	s.completed++
	if remove {
		s.remove(id)
		return nil
	}
	j.State = StateCompleted
	j.Result = &result
	j.UpdatedAt = now
	j.FinishedAt = &now
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, id string, reason string, runAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.active(id)
	if err != nil {
		return err
	}
	j.State = StateDelayed
	j.LastError = reason
	j.RunAt = runAt
	j.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id string, reason string, remove bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.active(id)
	if err != nil {
		return err
	}
	s.failed++
	if remove {
		s.remove(id)
		return nil
	}
	j.State = StateFailed
	j.LastError = reason
	j.UpdatedAt = now
	j.FinishedAt = &now
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

func (s *MemoryStore) Counts(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Completed: s.completed, Failed: s.failed}
	for _, j := range s.jobs {
		switch j.State {
		case StateWaiting:
			st.Waiting++
		case StateDelayed:
			st.Delayed++
		case StateActive:
			st.Active++
		}
	}
	st.sum()
	return st, nil
}

func (s *MemoryStore) ClearPending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.State == StateWaiting || j.State == StateDelayed {
			delete(s.jobs, id)
			delete(s.seq, id)
			n++
		}
	}
	s.compact()
	return n, nil
}

func (s *MemoryStore) RequeueActive(_ context.Context, now time.Time) (Recovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Recovery
	for id, j := range s.jobs {
		if j.State != StateActive {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			r.Failed++
			s.failed++
			if j.RemoveOnFail {
				delete(s.jobs, id)
				delete(s.seq, id)
				continue
			}
			j.State = StateFailed
			j.LastError = abandonedReason
			j.UpdatedAt = now
			j.FinishedAt = &now
			continue
		}
		j.State = StateWaiting
		j.RunAt = now
		j.UpdatedAt = now
		r.Requeued++
	}
	s.compact()
	return r, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) remove(id string) {
	delete(s.jobs, id)
	delete(s.seq, id)
	s.compact()
}

// compact drops ids of removed jobs from the insertion order.
func (s *MemoryStore) compact() {
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.jobs[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}
