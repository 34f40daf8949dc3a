package ses

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

// mockSESClient implements API for testing.
type mockSESClient struct {
	mu        sync.Mutex
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error)
	accountFn func(ctx context.Context) (*sesv2.GetAccountOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.mu.Lock()
	m.callCount++
	m.lastInput = params
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, params)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func (m *mockSESClient) GetAccount(ctx context.Context, _ *sesv2.GetAccountInput, _ ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error) {
	if m.accountFn != nil {
		return m.accountFn(ctx)
	}
	return &sesv2.GetAccountOutput{SendingEnabled: true}, nil
}

func newTestProvider(mock *mockSESClient) *Provider {
	p := NewWithClient("sender@example.com", mock)
	p.retryDelay = time.Millisecond
	return p
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient("sender@example.com", &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_HTMLEmail(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	msg := &email.Message{
		To:       []string{"to@example.com"},
		Subject:  "Test Subject",
		HTMLBody: "<h1>Hello</h1>",
	}

	out, err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success || out.Provider != "ses" || out.MessageID != "test-message-id" {
		t.Errorf("outcome: got %+v", out)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "sender@example.com")
	}
	if got := *input.Content.Simple.Subject.Data; got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := *input.Content.Simple.Body.Html.Data; got != "<h1>Hello</h1>" {
		t.Errorf("HTMLBody: got %q, want %q", got, "<h1>Hello</h1>")
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Hello" {
		t.Errorf("derived TextBody: got %q, want %q", got, "Hello")
	}
}

func TestSend_ExplicitText(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	msg := &email.Message{
		To:       []string{"to1@example.com", "to2@example.com"},
		Subject:  "Multi",
		HTMLBody: "<p>html</p>",
		TextBody: "Plain text fallback",
	}

	if _, err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := *mock.lastInput.Content.Simple.Body.Text.Data; got != "Plain text fallback" {
		t.Errorf("TextBody: got %q, want %q", got, "Plain text fallback")
	}
	if got := len(mock.lastInput.Destination.ToAddresses); got != 2 {
		t.Errorf("ToAddresses: got %d, want 2", got)
	}
}

func TestSend_NoRecipientsIsPermanent(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := newTestProvider(mock)

	out, err := p.Send(context.Background(), &email.Message{Subject: "x"})
	if !provider.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if out.Success {
		t.Error("outcome should be failed")
	}
	if mock.callCount != 0 {
		t.Errorf("SES should not be called, got %d calls", mock.callCount)
	}
}

func TestSend_RetriesThrottling(t *testing.T) {
	t.Parallel()

	calls := 0
	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			calls++
			if calls <= 2 {
				return nil, &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("ok")}, nil
		},
	}
	p := newTestProvider(mock)

	out, err := p.Send(context.Background(), &email.Message{To: []string{"to@example.com"}, HTMLBody: "x"})
	if err != nil {
		t.Fatalf("expected success after retry, got: %v", err)
	}
	if out.MessageID != "ok" {
		t.Errorf("MessageID: got %q, want ok", out.MessageID)
	}
	if calls != 3 {
		t.Errorf("call count: got %d, want 3", calls)
	}
}

func TestSend_TransientErrorNotRetried(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("connection reset")
		},
	}
	p := newTestProvider(mock)

	out, err := p.Send(context.Background(), &email.Message{To: []string{"to@example.com"}, HTMLBody: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.IsPermanent(err) {
		t.Error("network error should be transient")
	}
	if !strings.Contains(out.Error, "connection reset") {
		t.Errorf("outcome error: got %q", out.Error)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestSend_RejectedIsPermanent(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified"}
		},
	}
	p := newTestProvider(mock)

	_, err := p.Send(context.Background(), &email.Message{To: []string{"to@example.com"}, HTMLBody: "x"})
	if !provider.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestSend_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "TooManyRequestsException"}
		},
	}
	p := NewWithClient("sender@example.com", mock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Send(ctx, &email.Message{To: []string{"to@example.com"}, HTMLBody: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSendBulk_PartialFailure(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(_ context.Context, in *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			if in.Destination.ToAddresses[0] == "bad@example.com" {
				return nil, &smithy.GenericAPIError{Code: "MessageRejected"}
			}
			return &sesv2.SendEmailOutput{MessageId: aws.String("id-" + in.Destination.ToAddresses[0])}, nil
		},
	}
	p := newTestProvider(mock)

	msgs := []*email.Message{
		{To: []string{"a@example.com"}, HTMLBody: "x"},
		{To: []string{"bad@example.com"}, HTMLBody: "x"},
		{To: []string{"c@example.com"}, HTMLBody: "x"},
	}
	outs := p.SendBulk(context.Background(), msgs)

	if len(outs) != 3 {
		t.Fatalf("outcomes: got %d, want 3", len(outs))
	}
	if !outs[0].Success || outs[0].MessageID != "id-a@example.com" {
		t.Errorf("outs[0]: got %+v", outs[0])
	}
	if outs[1].Success || outs[1].Error == "" {
		t.Errorf("outs[1]: got %+v, want failure", outs[1])
	}
	if !outs[2].Success || outs[2].MessageID != "id-c@example.com" {
		t.Errorf("outs[2]: got %+v", outs[2])
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fn      func(context.Context) (*sesv2.GetAccountOutput, error)
		success bool
		contain string
	}{
		{
			name: "enabled with quota",
			fn: func(context.Context) (*sesv2.GetAccountOutput, error) {
				return &sesv2.GetAccountOutput{
					SendingEnabled: true,
					SendQuota:      &types.SendQuota{Max24HourSend: 200, SentLast24Hours: 12},
				}, nil
			},
			success: true,
			contain: "12/200",
		},
		{
			name: "disabled",
			fn: func(context.Context) (*sesv2.GetAccountOutput, error) {
				return &sesv2.GetAccountOutput{SendingEnabled: false}, nil
			},
			contain: "disabled",
		},
		{
			name: "lookup error",
			fn: func(context.Context) (*sesv2.GetAccountOutput, error) {
				return nil, errors.New("no credentials")
			},
			contain: "no credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := newTestProvider(&mockSESClient{accountFn: tt.fn})
			got := p.Verify(context.Background())
			if got.Success != tt.success {
				t.Errorf("Success: got %v, want %v", got.Success, tt.success)
			}
			if !strings.Contains(got.Message, tt.contain) {
				t.Errorf("Message: got %q, want to contain %q", got.Message, tt.contain)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	p := NewWithClient("s", &mockSESClient{})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		if got := p.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d): got %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestProviderInterface(t *testing.T) {
	t.Parallel()

	var _ provider.Provider = (*Provider)(nil)
	var _ provider.Verifier = (*Provider)(nil)
}
