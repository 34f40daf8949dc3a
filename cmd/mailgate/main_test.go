package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// blockUntilDone runs until ctx is cancelled and reports that it stopped.
func blockUntilDone(stopped chan<- string, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		<-ctx.Done()
		stopped <- name
		return nil
	}
}

func superviseAsync(ctx context.Context, components []component) <-chan error {
	done := make(chan error, 1)
	go func() { done <- supervise(ctx, components) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("supervise did not return")
		return nil
	}
}

func TestSupervise_FailureStopsOthers(t *testing.T) {
	t.Parallel()

	stopped := make(chan string, 2)
	boom := errors.New("listen tcp :25: address already in use")
	done := superviseAsync(context.Background(), []component{
		{"queue", blockUntilDone(stopped, "queue")},
		{"api", blockUntilDone(stopped, "api")},
		{"smtp", func(context.Context) error { return boom }},
	})

	if err := waitErr(t, done); !errors.Is(err, boom) {
		t.Errorf("supervise() error: got %v, want %v", err, boom)
	}
	if len(stopped) != 2 {
		t.Errorf("stopped components: got %d, want 2", len(stopped))
	}
}

func TestSupervise_EarlyReturnIsAnError(t *testing.T) {
	t.Parallel()

	stopped := make(chan string, 1)
	done := superviseAsync(context.Background(), []component{
		{"queue", blockUntilDone(stopped, "queue")},
		{"api", func(context.Context) error { return nil }},
	})

	err := waitErr(t, done)
	if err == nil || !strings.Contains(err.Error(), "api stopped unexpectedly") {
		t.Errorf("supervise() error: got %v, want api stopped unexpectedly", err)
	}
	if got := <-stopped; got != "queue" {
		t.Errorf("stopped component: got %q, want queue", got)
	}
}

func TestSupervise_ShutdownReturnsNil(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan string, 2)
	done := superviseAsync(ctx, []component{
		{"queue", blockUntilDone(stopped, "queue")},
		{"api", blockUntilDone(stopped, "api")},
	})

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Errorf("supervise() after shutdown: got %v, want nil", err)
	}
	if len(stopped) != 2 {
		t.Errorf("stopped components: got %d, want 2", len(stopped))
	}
}
