// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

const name = "stdout"

// Provider prints email messages in a human-readable format. It is the
// development backend selected when no other provider is configured.
type Provider struct {
	sender string

	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New(sender string) *Provider {
	return NewWithWriter(sender, os.Stdout)
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(sender string, w io.Writer) *Provider {
	return &Provider{sender: sender, writer: w}
}

// Send prints msg and returns a locally generated message id.
func (p *Provider) Send(_ context.Context, msg *email.Message) (email.Outcome, error) {
	if err := msg.Validate(); err != nil {
		perr := provider.Permanent(name, err)
		return email.Failed(name, perr), perr
	}

	id := uuid.NewString()

	var b strings.Builder
	b.WriteString("========================================\n")
	if p.sender != "" {
		b.WriteString(fmt.Sprintf("From: %s\n", p.sender))
	}
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))
	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Message-ID: %s\n", id))
	if tmpl := msg.Template(); tmpl != "" {
		b.WriteString(fmt.Sprintf("Template: %s\n", tmpl))
	}
	if msg.HTMLBody != "" {
		b.WriteString(fmt.Sprintf("HTML: %s\n", formatSize(len(msg.HTMLBody))))
	}
	b.WriteString("Body:\n")
	b.WriteString(msg.PlainText() + "\n")
	b.WriteString("========================================\n")

	p.mu.Lock()
	_, err := io.WriteString(p.writer, b.String())
	p.mu.Unlock()
	if err != nil {
		perr := provider.Wrap(name, fmt.Errorf("write output: %w", err))
		return email.Failed(name, perr), perr
	}

	return email.Outcome{Success: true, Provider: name, MessageID: id}, nil
}

// SendBulk prints every message in order.
func (p *Provider) SendBulk(ctx context.Context, msgs []*email.Message) []email.Outcome {
	return provider.SendEach(ctx, name, msgs, 1, p.Send)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return name
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
