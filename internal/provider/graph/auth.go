package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shineum/mailgate/internal/provider"
)

const graphScope = "https://graph.microsoft.com/.default"

// expiryLeeway is taken off the advertised lifetime so a token is never
// presented in its final minutes.
const expiryLeeway = 5 * time.Minute

type accessToken struct {
	value  string
	expiry time.Time
}

func (t accessToken) usable(now time.Time) bool {
	return t.value != "" && now.Before(t.expiry)
}

// fetch is one in-flight token request shared by every caller that needs
// a token while it runs.
type fetch struct {
	done  chan struct{}
	token accessToken
	err   error
}

// tokenSource obtains app-only tokens with the OAuth2 client credentials
// grant. Concurrent callers share a single request; the lock is never held
// across network I/O.
type tokenSource struct {
	endpoint string
	form     url.Values
	client   *http.Client
	now      func() time.Time

	mu       sync.Mutex
	current  accessToken
	inflight *fetch
}

func newTokenSource(endpoint, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		endpoint: endpoint,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		client: client,
		now:    time.Now,
	}
}

// Token returns a cached token or waits for a fresh one.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ts.mu.Lock()
	if ts.current.usable(ts.now()) {
		tok := ts.current.value
		ts.mu.Unlock()
		return tok, nil
	}
	f := ts.inflight
	if f == nil {
		f = &fetch{done: make(chan struct{})}
		ts.inflight = f
		go ts.run(f)
	}
	ts.mu.Unlock()

	select {
	case <-f.done:
		return f.token.value, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token if it is still stale. A token that was
// already replaced by another caller is left alone.
func (ts *tokenSource) Invalidate(stale string) {
	ts.mu.Lock()
	if ts.current.value == stale {
		ts.current = accessToken{}
	}
	ts.mu.Unlock()
}

// Refresh discards whatever is cached and returns a newly issued token.
func (ts *tokenSource) Refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	ts.current = accessToken{}
	ts.mu.Unlock()
	return ts.Token(ctx)
}

func (ts *tokenSource) run(f *fetch) {
	// Detached from any one caller so a waiter giving up does not fail the
	// others; the HTTP client timeout bounds it.
	f.token, f.err = ts.request(context.Background())

	ts.mu.Lock()
	if f.err == nil {
		ts.current = f.token
	}
	ts.inflight = nil
	ts.mu.Unlock()
	close(f.done)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// tokenError is the body the identity platform returns on a failed grant.
type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (ts *tokenSource) request(ctx context.Context) (accessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.endpoint, strings.NewReader(ts.form.Encode()))
	if err != nil {
		return accessToken{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	issued := ts.now()
	resp, err := ts.client.Do(req)
	if err != nil {
		return accessToken{}, provider.Wrap(name, fmt.Errorf("token request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return accessToken{}, provider.Wrap(name, fmt.Errorf("reading token response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		// Invalid tenant, client or secret come back as 400/401 and are
		// permanent until the configuration changes.
		var te tokenError
		if json.Unmarshal(body, &te) == nil && te.Code != "" {
			detail := te.Code
			if te.Description != "" {
				detail += ": " + te.Description
			}
			body = []byte(detail)
		}
		return accessToken{}, provider.HTTPError(name, resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return accessToken{}, provider.Wrap(name, fmt.Errorf("decoding token response: %w", err))
	}
	if tr.AccessToken == "" {
		return accessToken{}, provider.Wrap(name, errors.New("token response has no access_token"))
	}

	return accessToken{
		value:  tr.AccessToken,
		expiry: issued.Add(time.Duration(tr.ExpiresIn)*time.Second - expiryLeeway),
	}, nil
}
