package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

// scriptedProvider fails a message's first failures[subject] attempts.
type scriptedProvider struct {
	mu        sync.Mutex
	failures  map[string]int
	permanent bool
	calls     map[string][]time.Time
	panicOn   string
}

func newScriptedProvider(failures map[string]int) *scriptedProvider {
	if failures == nil {
		failures = map[string]int{}
	}
	return &scriptedProvider{failures: failures, calls: map[string][]time.Time{}}
}

func (p *scriptedProvider) Send(_ context.Context, msg *email.Message) (email.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[msg.Subject] = append(p.calls[msg.Subject], time.Now())
	if msg.Subject == p.panicOn {
		panic("boom")
	}
	if p.failures[msg.Subject] > 0 {
		p.failures[msg.Subject]--
		err := errors.New("backend unavailable")
		if p.permanent {
			return email.Failed("scripted", err), provider.Permanent("scripted", err)
		}
		return email.Failed("scripted", err), provider.Wrap("scripted", err)
	}
	return email.Outcome{Success: true, Provider: "scripted", MessageID: "id-" + msg.Subject}, nil
}

func (p *scriptedProvider) SendBulk(ctx context.Context, msgs []*email.Message) []email.Outcome {
	return provider.SendEach(ctx, p.Name(), msgs, 1, p.Send)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) callTimes(subject string) []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.calls[subject]...)
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes []email.Outcome
}

func (r *countingRecorder) Record(out email.Outcome, _, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
}

func (r *countingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func testConfig() Config {
	return Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   time.Second,
		Defaults: Options{
			Attempts:         3,
			Backoff:          20 * time.Millisecond,
			RemoveOnComplete: true,
		},
	}
}

func msg(subject string) *email.Message {
	return &email.Message{To: []string{"user@example.com"}, Subject: subject, HTMLBody: "<p>" + subject + "</p>"}
}

// startQueue runs q until the test ends.
func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := q.Run(ctx); err != nil {
			t.Errorf("Run() error: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func stats(t *testing.T, q *Queue) Stats {
	t.Helper()
	st, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	return st
}

func TestQueue_Enqueue(t *testing.T) {
	t.Parallel()

	q := New(NewMemoryStore(), newScriptedProvider(nil), nil, testConfig())
	job, err := q.Enqueue(context.Background(), msg("a"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if job.ID == "" {
		t.Error("job id should be set")
	}
	if job.Attempts != 0 || job.State != StateWaiting || job.MaxAttempts != 3 {
		t.Errorf("new job: attempts %d state %s max %d", job.Attempts, job.State, job.MaxAttempts)
	}

	got, err := q.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Job() error: %v", err)
	}
	if got.Message.Subject != "a" {
		t.Errorf("stored job subject: got %q", got.Message.Subject)
	}

	if _, err := q.Enqueue(context.Background(), &email.Message{Subject: "x"}); !errors.Is(err, email.ErrNoRecipients) {
		t.Errorf("Enqueue() without recipients: got %v, want ErrNoRecipients", err)
	}
}

func TestQueue_EnqueueBulkValidatesAll(t *testing.T) {
	t.Parallel()

	q := New(NewMemoryStore(), newScriptedProvider(nil), nil, testConfig())
	_, err := q.EnqueueBulk(context.Background(), []*email.Message{msg("a"), {Subject: "bad"}, msg("c")})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if st := stats(t, q); st.Total != 0 {
		t.Errorf("no job should be enqueued when one item is invalid, got %+v", st)
	}

	jobs, err := q.EnqueueBulk(context.Background(), []*email.Message{msg("a"), msg("b"), msg("c")})
	if err != nil {
		t.Fatalf("EnqueueBulk() error: %v", err)
	}
	for i, want := range []string{"a", "b", "c"} {
		if jobs[i].Message.Subject != want {
			t.Errorf("jobs[%d]: got %q, want %q", i, jobs[i].Message.Subject, want)
		}
	}
	if st := stats(t, q); st.Waiting != 3 {
		t.Errorf("Waiting: got %d, want 3", st.Waiting)
	}
}

func TestQueue_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	prov := newScriptedProvider(map[string]int{"A": 2})
	rec := &countingRecorder{}
	q := New(NewMemoryStore(), prov, rec, testConfig())
	startQueue(t, q)

	for _, s := range []string{"A", "B", "C"} {
		if _, err := q.Enqueue(context.Background(), msg(s)); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", s, err)
		}
	}

	waitFor(t, "three completed jobs", func() bool { return stats(t, q).Completed == 3 })

	st := stats(t, q)
	if st.Failed != 0 || st.Waiting != 0 || st.Delayed != 0 {
		t.Errorf("final stats: got %+v, want completed=3 failed=0", st)
	}
	if n := len(prov.callTimes("A")); n != 3 {
		t.Errorf("A attempts: got %d, want 3", n)
	}
	if n := len(prov.callTimes("B")); n != 1 {
		t.Errorf("B attempts: got %d, want 1", n)
	}
	if rec.count() != 3 {
		t.Errorf("recorded outcomes: got %d, want one per job (3)", rec.count())
	}
}

func TestQueue_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	prov := newScriptedProvider(map[string]int{"doomed": 100})
	rec := &countingRecorder{}
	q := New(NewMemoryStore(), prov, rec, testConfig())
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), msg("doomed"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	waitFor(t, "terminal failure", func() bool { return stats(t, q).Failed == 1 })

	got, err := q.Job(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("failed job should be retained: %v", err)
	}
	if got.State != StateFailed || got.Attempts != 3 {
		t.Errorf("failed job: state %s attempts %d, want failed/3", got.State, got.Attempts)
	}
	if got.LastError == "" {
		t.Error("failed job should carry the last error")
	}

	calls := prov.callTimes("doomed")
	if len(calls) != 3 {
		t.Fatalf("adapter invocations: got %d, want 3", len(calls))
	}
	first, second := calls[1].Sub(calls[0]), calls[2].Sub(calls[1])
	if first < 20*time.Millisecond {
		t.Errorf("first backoff: got %v, want >= 20ms", first)
	}
	if second < first {
		t.Errorf("backoff should not decrease: %v then %v", first, second)
	}
	if rec.count() != 1 {
		t.Errorf("recorded outcomes: got %d, want 1", rec.count())
	}
}

func TestQueue_PermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	prov := newScriptedProvider(map[string]int{"rejected": 1})
	prov.permanent = true
	q := New(NewMemoryStore(), prov, nil, testConfig())
	startQueue(t, q)

	job, _ := q.Enqueue(context.Background(), msg("rejected"))
	waitFor(t, "terminal failure", func() bool { return stats(t, q).Failed == 1 })

	got, _ := q.Job(context.Background(), job.ID)
	if got.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", got.Attempts)
	}
}

func TestQueue_PanicFailsOnlyThatJob(t *testing.T) {
	t.Parallel()

	prov := newScriptedProvider(nil)
	prov.panicOn = "explodes"
	cfg := testConfig()
	cfg.Defaults.Attempts = 1
	q := New(NewMemoryStore(), prov, nil, cfg)
	startQueue(t, q)

	q.Enqueue(context.Background(), msg("explodes"))
	q.Enqueue(context.Background(), msg("fine"))

	waitFor(t, "both jobs terminal", func() bool {
		st := stats(t, q)
		return st.Completed == 1 && st.Failed == 1
	})
}

func TestQueue_PauseResume(t *testing.T) {
	t.Parallel()

	prov := newScriptedProvider(nil)
	q := New(NewMemoryStore(), prov, nil, testConfig())
	q.Pause()
	if !q.Paused() {
		t.Fatal("Paused() should be true after Pause()")
	}
	startQueue(t, q)

	q.Enqueue(context.Background(), msg("held"))
	time.Sleep(50 * time.Millisecond)
	if n := len(prov.callTimes("held")); n != 0 {
		t.Fatalf("paused queue invoked the provider %d times", n)
	}
	if st := stats(t, q); st.Waiting != 1 {
		t.Errorf("Waiting while paused: got %d, want 1", st.Waiting)
	}

	q.Resume()
	waitFor(t, "job completed after resume", func() bool { return stats(t, q).Completed == 1 })
}

func TestQueue_Clear(t *testing.T) {
	t.Parallel()

	q := New(NewMemoryStore(), newScriptedProvider(nil), nil, testConfig())
	q.Pause()
	for _, s := range []string{"a", "b", "c"} {
		q.Enqueue(context.Background(), msg(s))
	}

	n, err := q.Clear(context.Background())
	if err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if n != 3 {
		t.Errorf("Clear(): removed %d, want 3", n)
	}
	if st := stats(t, q); st.Total != 0 {
		t.Errorf("stats after clear: got %+v", st)
	}
}

func TestQueue_RequeuesAbandonedJobs(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	prov := newScriptedProvider(nil)
	q := New(store, prov, nil, testConfig())
	job, _ := q.Enqueue(context.Background(), msg("orphan"))

	// Simulate a crash after claim.
	if _, err := store.Claim(context.Background(), time.Now()); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	startQueue(t, q)
	waitFor(t, "requeued job completed", func() bool { return stats(t, q).Completed == 1 })

	if _, err := q.Job(context.Background(), job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed job should be removed, got %v", err)
	}
}

func TestQueue_RestartDoesNotExceedMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemoryStore()
	prov := newScriptedProvider(nil)
	rec := &countingRecorder{}
	q := New(store, prov, rec, testConfig())
	job, err := q.Enqueue(ctx, msg("final"))
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	// Two failed attempts, then a crash during the third.
	now := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := store.Claim(ctx, now); err != nil {
			t.Fatalf("Claim() error: %v", err)
		}
		if err := store.Retry(ctx, job.ID, "backend unavailable", now, now); err != nil {
			t.Fatalf("Retry() error: %v", err)
		}
	}
	if _, err := store.Claim(ctx, now); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	startQueue(t, q)
	waitFor(t, "interrupted job failed", func() bool { return stats(t, q).Failed == 1 })

	got, err := q.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("Job() error: %v", err)
	}
	if got.State != StateFailed || got.Attempts != 3 {
		t.Errorf("interrupted job: state %s attempts %d, want failed/3", got.State, got.Attempts)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(prov.callTimes("final")); n != 0 {
		t.Errorf("adapter invocations after restart: got %d, want 0", n)
	}
}

// flakyStore fails the first completeFailures Complete calls.
type flakyStore struct {
	Store
	mu               sync.Mutex
	completeFailures int
	completeCalls    int
}

func (s *flakyStore) Complete(ctx context.Context, id string, result email.Outcome, remove bool, now time.Time) error {
	s.mu.Lock()
	s.completeCalls++
	fail := s.completeFailures > 0
	if fail {
		s.completeFailures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.Store.Complete(ctx, id, result, remove, now)
}

func TestQueue_CompleteRetriedAfterStoreError(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: NewMemoryStore(), completeFailures: 2}
	prov := newScriptedProvider(nil)
	rec := &countingRecorder{}
	q := New(store, prov, rec, testConfig())
	q.settleDelay = time.Millisecond
	startQueue(t, q)

	if _, err := q.Enqueue(context.Background(), msg("sticky")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	waitFor(t, "job completed", func() bool { return stats(t, q).Completed == 1 })

	if st := stats(t, q); st.Active != 0 {
		t.Errorf("stats: got %+v, want no active jobs", st)
	}
	if rec.count() != 1 {
		t.Errorf("recorded outcomes: got %d, want 1", rec.count())
	}
	if n := len(prov.callTimes("sticky")); n != 1 {
		t.Errorf("adapter invocations: got %d, want 1", n)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.completeCalls != 3 {
		t.Errorf("Complete calls: got %d, want 3", store.completeCalls)
	}
}

func TestQueue_OutcomeRecordedWhenStoreStaysDown(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: NewMemoryStore(), completeFailures: 100}
	prov := newScriptedProvider(nil)
	rec := &countingRecorder{}
	q := New(store, prov, rec, testConfig())
	q.settleDelay = time.Millisecond
	startQueue(t, q)

	if _, err := q.Enqueue(context.Background(), msg("stranded")); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	waitFor(t, "outcome recorded", func() bool { return rec.count() == 1 })

	waitFor(t, "bookkeeping attempts exhausted", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.completeCalls == settleAttempts
	})
	if n := len(prov.callTimes("stranded")); n != 1 {
		t.Errorf("adapter invocations: got %d, want 1", n)
	}
}

func TestQueue_SendDirect(t *testing.T) {
	t.Parallel()

	prov := newScriptedProvider(map[string]int{"bad": 1})
	rec := &countingRecorder{}
	q := New(NewMemoryStore(), prov, rec, testConfig())

	out, err := q.SendDirect(context.Background(), msg("good"))
	if err != nil || !out.Success || out.MessageID != "id-good" {
		t.Errorf("SendDirect(good): got %+v, %v", out, err)
	}

	out, err = q.SendDirect(context.Background(), msg("bad"))
	if err == nil || out.Success || out.Error == "" {
		t.Errorf("SendDirect(bad): got %+v, %v", out, err)
	}
	if rec.count() != 2 {
		t.Errorf("recorded outcomes: got %d, want 2", rec.count())
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(2*time.Second, tt.attempts); got != tt.want {
			t.Errorf("Backoff(2s, %d): got %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	got := Options{}.withDefaults()
	if got.Attempts != DefaultAttempts || got.Backoff != DefaultBackoff {
		t.Errorf("withDefaults(): got %+v", got)
	}
	d := DefaultOptions()
	if !d.RemoveOnComplete || d.RemoveOnFail {
		t.Errorf("DefaultOptions() retention: got %+v", d)
	}
}
