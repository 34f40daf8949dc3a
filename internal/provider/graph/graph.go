package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

const name = "graph"

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox sendMail is called on.
	Sender string
}

// maxRetries bounds in-call retries for 401, 429, 5xx and network
// failures. The dispatch queue retries on top of this.
const maxRetries = 2

const baseRetryDelay = 1 * time.Second

// Provider sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication.
type Provider struct {
	sender     string
	sendURL    string
	httpClient *http.Client
	token      *tokenSource
	retryDelay time.Duration
}

// New creates a Provider with the given configuration.
func New(cfg Config) *Provider {
	tokenURL := "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	sendURL := "https://graph.microsoft.com/v1.0/users/" + url.PathEscape(cfg.Sender) + "/sendMail"
	return newWithOverrides(cfg, sendURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

func newWithOverrides(cfg Config, sendURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		sender:     cfg.Sender,
		sendURL:    sendURL,
		httpClient: client,
		token:      newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retryDelay: baseRetryDelay,
	}
}

// Send delivers msg via the sendMail endpoint. Graph returns no message
// id for sendMail, so the outcome carries none.
func (g *Provider) Send(ctx context.Context, msg *email.Message) (email.Outcome, error) {
	if err := msg.Validate(); err != nil {
		perr := provider.Permanent(name, err)
		return email.Failed(name, perr), perr
	}

	body, err := json.Marshal(buildSendMailRequest(msg))
	if err != nil {
		perr := provider.Permanent(name, fmt.Errorf("encoding sendMail body: %w", err))
		return email.Failed(name, perr), perr
	}

	if err := g.deliver(ctx, body); err != nil {
		perr := provider.Wrap(name, err)
		return email.Failed(name, perr), perr
	}
	return email.Outcome{Success: true, Provider: name}, nil
}

// deliver posts body, retrying in place. A 401 invalidates the token it
// was sent with once; 429 honours Retry-After; 5xx and network failures
// back off exponentially. Any other status is permanent.
func (g *Provider) deliver(ctx context.Context, body []byte) error {
	var (
		last      error
		refreshed bool
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		tok, err := g.token.Token(ctx)
		if err != nil {
			return err
		}

		err = g.post(ctx, tok, body)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = err

		var ae *apiError
		if !errors.As(err, &ae) {
			slog.Info("Graph API unreachable, retrying", "attempt", attempt+1, "error", err)
			if err := sleepWithContext(ctx, g.backoffDelay(attempt)); err != nil {
				return err
			}
			continue
		}

		switch {
		case ae.status == http.StatusUnauthorized && !refreshed:
			slog.Info("refreshing Graph API token after 401")
			g.token.Invalidate(tok)
			refreshed = true
		case ae.status == http.StatusTooManyRequests:
			delay := ae.retryAfter
			if delay <= 0 {
				delay = g.backoffDelay(attempt)
			}
			slog.Info("rate limited by Graph API", "retry_after", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return err
			}
		case ae.status >= 500:
			delay := g.backoffDelay(attempt)
			slog.Info("Graph API server error, retrying", "status", ae.status, "delay", delay)
			if err := sleepWithContext(ctx, delay); err != nil {
				return err
			}
		default:
			return provider.Permanent(name, ae)
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, last)
}

// post performs one sendMail call.
func (g *Provider) post(ctx context.Context, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building sendMail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendMail request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	ae := &apiError{
		status:     resp.StatusCode,
		message:    string(raw),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		ae.code = env.Error.Code
		ae.message = env.Error.Message
	}
	return ae
}

// SendBulk sends every message independently.
func (g *Provider) SendBulk(ctx context.Context, msgs []*email.Message) []email.Outcome {
	return provider.SendEach(ctx, name, msgs, provider.DefaultBulkConcurrency, g.Send)
}

// Verify acquires a fresh access token, which proves the tenant and
// client credentials are valid.
func (g *Provider) Verify(ctx context.Context) provider.VerifyResult {
	if _, err := g.token.Refresh(ctx); err != nil {
		return provider.VerifyResult{Message: fmt.Sprintf("Graph token acquisition failed: %v", err)}
	}
	return provider.VerifyResult{Success: true, Message: "Graph credentials valid for " + g.sender}
}

// Name returns the provider name.
func (g *Provider) Name() string {
	return name
}

// apiError is a non-2xx sendMail response.
type apiError struct {
	status     int
	code       string
	message    string
	retryAfter time.Duration
}

func (e *apiError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.status, e.code, e.message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.status, e.message)
}

// parseRetryAfter accepts delta-seconds or an HTTP date. It returns zero
// when the header is absent or unusable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			return time.Duration(secs) * time.Second
		}
		return 0
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// backoffDelay returns retryDelay doubled once per attempt.
func (g *Provider) backoffDelay(attempt int) time.Duration {
	return g.retryDelay << attempt
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
