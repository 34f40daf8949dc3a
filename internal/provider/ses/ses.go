// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

const name = "ses"

// maxRetries is the number of extra attempts made for throttled requests.
// Other failures are left to the dispatch queue.
const maxRetries = 2

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// permanentCodes are SES error codes that no retry can fix.
var permanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
	"AccountSuspendedException":          true,
}

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	sender     string
	client     API
	retryDelay time.Duration
}

// API is the subset of the SES v2 client used by Provider.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// New creates a Provider with credentials from cfg, falling back to the
// default AWS credential chain when no static keys are given.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, client API) *Provider {
	return &Provider{
		sender:     sender,
		client:     client,
		retryDelay: baseRetryDelay,
	}
}

// Send delivers msg as a simple SES message.
func (s *Provider) Send(ctx context.Context, msg *email.Message) (email.Outcome, error) {
	if err := msg.Validate(); err != nil {
		perr := provider.Permanent(name, err)
		return email.Failed(name, perr), perr
	}

	input := buildSimpleInput(s.sender, msg)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying throttled SES request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, s.backoffDelay(attempt)); err != nil {
				perr := provider.Wrap(name, fmt.Errorf("context cancelled during retry wait: %w", err))
				return email.Failed(name, perr), perr
			}
		}

		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			return email.Outcome{
				Success:   true,
				Provider:  name,
				MessageID: aws.ToString(out.MessageId),
			}, nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
		if !isThrottle(err) {
			break
		}
	}

	perr := classify(lastErr)
	return email.Failed(name, perr), perr
}

// SendBulk sends every message independently.
func (s *Provider) SendBulk(ctx context.Context, msgs []*email.Message) []email.Outcome {
	return provider.SendEach(ctx, name, msgs, provider.DefaultBulkConcurrency, s.Send)
}

// Verify checks that the account is reachable and allowed to send.
func (s *Provider) Verify(ctx context.Context) provider.VerifyResult {
	out, err := s.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return provider.VerifyResult{Message: fmt.Sprintf("SES account lookup failed: %v", err)}
	}
	if !out.SendingEnabled {
		return provider.VerifyResult{Message: "SES sending is disabled for this account"}
	}

	msg := "SES reachable"
	if q := out.SendQuota; q != nil {
		msg = fmt.Sprintf("SES reachable (%.0f/%.0f sent in last 24h)", q.SentLast24Hours, q.Max24HourSend)
	}
	return provider.VerifyResult{Success: true, Message: msg}
}

// Name returns the provider name.
func (s *Provider) Name() string {
	return name
}

// buildSimpleInput creates a SES SendEmailInput carrying both bodies.
func buildSimpleInput(sender string, msg *email.Message) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if text := msg.PlainText(); text != "" {
		body.Text = &types.Content{
			Data:    aws.String(text),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

func isThrottle(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "TooManyRequestsException", "Throttling", "ThrottlingException", "LimitExceededException":
		return true
	}
	return false
}

func classify(err error) *provider.Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		return provider.Permanent(name, err)
	}
	return provider.Wrap(name, err)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (s *Provider) backoffDelay(attempt int) time.Duration {
	delay := s.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
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
