// Package mailgun implements a Provider backed by the Mailgun messages API.
package mailgun

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

const name = "mailgun"

// DefaultBaseURL is the US region API root.
const DefaultBaseURL = "https://api.mailgun.net/v3"

// Config holds the configuration for creating a Provider.
type Config struct {
	APIKey  string
	Domain  string
	Sender  string
	BaseURL string
}

// Provider sends emails through Mailgun.
type Provider struct {
	apiKey     string
	sender     string
	endpoint   string
	httpClient *http.Client
}

// New creates a Provider for cfg.Domain.
func New(cfg Config) *Provider {
	return newWithClient(cfg, &http.Client{Timeout: 30 * time.Second})
}

func newWithClient(cfg Config, client *http.Client) *Provider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	return &Provider{
		apiKey:     cfg.APIKey,
		sender:     cfg.Sender,
		endpoint:   fmt.Sprintf("%s/%s/messages", base, cfg.Domain),
		httpClient: client,
	}
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func buildForm(sender string, msg *email.Message) url.Values {
	form := url.Values{
		"from":    {sender},
		"to":      {strings.Join(msg.To, ",")},
		"subject": {msg.Subject},
		"text":    {msg.PlainText()},
	}
	if msg.HTMLBody != "" {
		form.Set("html", msg.HTMLBody)
	}
	if tmpl := msg.Template(); tmpl != "" {
		form.Set("o:tag", tmpl)
	}
	return form
}

// Send posts msg to the messages endpoint and returns Mailgun's message id.
func (p *Provider) Send(ctx context.Context, msg *email.Message) (email.Outcome, error) {
	if err := msg.Validate(); err != nil {
		perr := provider.Permanent(name, err)
		return email.Failed(name, perr), perr
	}

	form := buildForm(p.sender, msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		perr := provider.Wrap(name, fmt.Errorf("create request: %w", err))
		return email.Failed(name, perr), perr
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		perr := provider.Wrap(name, fmt.Errorf("HTTP request failed: %w", err))
		return email.Failed(name, perr), perr
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode/100 != 2 {
		perr := provider.HTTPError(name, resp.StatusCode, body)
		return email.Failed(name, perr), perr
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		// Accepted without a parseable id; the message is still queued.
		return email.Outcome{Success: true, Provider: name}, nil
	}
	return email.Outcome{Success: true, Provider: name, MessageID: out.ID}, nil
}

// SendBulk sends every message independently.
func (p *Provider) SendBulk(ctx context.Context, msgs []*email.Message) []email.Outcome {
	return provider.SendEach(ctx, name, msgs, provider.DefaultBulkConcurrency, p.Send)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return name
}
