package provider

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/shineum/mailgate/internal/email"
)

// DefaultBulkConcurrency bounds in-flight sends of a SendEach fan-out.
const DefaultBulkConcurrency = 5

// SendFunc sends a single message.
type SendFunc func(ctx context.Context, msg *email.Message) (email.Outcome, error)

// SendEach fans msgs out to send with at most concurrency sends in flight.
// The result holds one Outcome per message in input order. A failing or
// panicking send only affects its own slot.
func SendEach(ctx context.Context, name string, msgs []*email.Message, concurrency int, send SendFunc) []email.Outcome {
	if concurrency <= 0 {
		concurrency = DefaultBulkConcurrency
	}

	outcomes := make([]email.Outcome, len(msgs))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, msg := range msgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, msg *email.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic in bulk send",
						"provider", name,
						"index", i,
						"panic", r,
						"stack", string(debug.Stack()),
					)
					outcomes[i] = email.Failed(name, fmt.Errorf("internal error: %v", r))
				}
			}()

			out, err := send(ctx, msg)
			if err != nil {
				outcomes[i] = email.Failed(name, err)
				return
			}
			if out.Provider == "" {
				out.Provider = name
			}
			outcomes[i] = out
		}(i, msg)
	}

	wg.Wait()
	return outcomes
}
