// Package sendgrid implements a Provider backed by the SendGrid v3 mail/send API.
package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

const (
	name       = "sendgrid"
	defaultURL = "https://api.sendgrid.com/v3/mail/send"
)

// Config holds the configuration for creating a Provider.
type Config struct {
	APIKey string
	Sender string
}

// Provider sends emails through SendGrid.
type Provider struct {
	apiKey     string
	sender     string
	endpoint   string
	httpClient *http.Client
}

// New creates a Provider that talks to the public SendGrid endpoint.
func New(cfg Config) *Provider {
	return newWithOverrides(cfg, defaultURL, &http.Client{Timeout: 30 * time.Second})
}

func newWithOverrides(cfg Config, endpoint string, client *http.Client) *Provider {
	return &Provider{
		apiKey:     cfg.APIKey,
		sender:     cfg.Sender,
		endpoint:   endpoint,
		httpClient: client,
	}
}

type mailRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
	Categories       []string          `json:"categories,omitempty"`
}

type personalization struct {
	To []address `json:"to"`
}

type address struct {
	Email string `json:"email"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// buildRequest maps msg onto the v3 payload. SendGrid requires text/plain
// to precede text/html.
func buildRequest(sender string, msg *email.Message) *mailRequest {
	to := make([]address, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, address{Email: addr})
	}

	req := &mailRequest{
		Personalizations: []personalization{{To: to}},
		From:             address{Email: sender},
		Subject:          msg.Subject,
	}
	if text := msg.PlainText(); text != "" {
		req.Content = append(req.Content, content{Type: "text/plain", Value: text})
	}
	if msg.HTMLBody != "" {
		req.Content = append(req.Content, content{Type: "text/html", Value: msg.HTMLBody})
	}
	if tmpl := msg.Template(); tmpl != "" {
		req.Categories = []string{tmpl}
	}
	return req
}

// Send submits msg and returns the X-Message-Id assigned by SendGrid.
func (p *Provider) Send(ctx context.Context, msg *email.Message) (email.Outcome, error) {
	if err := msg.Validate(); err != nil {
		perr := provider.Permanent(name, err)
		return email.Failed(name, perr), perr
	}

	body, err := json.Marshal(buildRequest(p.sender, msg))
	if err != nil {
		perr := provider.Permanent(name, fmt.Errorf("marshal request: %w", err))
		return email.Failed(name, perr), perr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		perr := provider.Wrap(name, fmt.Errorf("create request: %w", err))
		return email.Failed(name, perr), perr
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		perr := provider.Wrap(name, fmt.Errorf("HTTP request failed: %w", err))
		return email.Failed(name, perr), perr
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		perr := provider.HTTPError(name, resp.StatusCode, respBody)
		return email.Failed(name, perr), perr
	}
	io.Copy(io.Discard, resp.Body)

	return email.Outcome{
		Success:   true,
		Provider:  name,
		MessageID: resp.Header.Get("X-Message-Id"),
	}, nil
}

// SendBulk sends every message independently. The v3 API can batch
// personalizations but not distinct bodies, so each message is its own call.
func (p *Provider) SendBulk(ctx context.Context, msgs []*email.Message) []email.Outcome {
	return provider.SendEach(ctx, name, msgs, provider.DefaultBulkConcurrency, p.Send)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return name
}
