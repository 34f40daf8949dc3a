// Package smtprelay implements a Provider that relays messages to an SMTP
// submission server.
package smtprelay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

// TLS modes for the relay connection.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
)

const commandTimeout = 30 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	// Name is reported in outcomes; "smtp" by default. Use "custom-smtp"
	// when relaying into this service's own inbound server.
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
	TLS      string

	// InsecureSkipVerify disables certificate checks for self-signed relays.
	InsecureSkipVerify bool
}

// Provider delivers each message over a fresh SMTP connection.
type Provider struct {
	cfg  Config
	name string
}

// New creates a relay Provider.
func New(cfg Config) *Provider {
	name := cfg.Name
	if name == "" {
		name = "smtp"
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	return &Provider{cfg: cfg, name: name}
}

func (p *Provider) addr() string {
	return fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
}

// connect dials the relay, negotiates TLS according to the configured mode
// and authenticates when credentials are present.
func (p *Provider) connect(ctx context.Context) (*smtp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		ServerName:         p.cfg.Host,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
	}

	var (
		client *smtp.Client
		err    error
	)
	switch p.cfg.TLS {
	case TLSImplicit:
		client, err = smtp.DialTLS(p.addr(), tlsCfg)
	case TLSStartTLS:
		client, err = smtp.DialStartTLS(p.addr(), tlsCfg)
	default:
		client, err = smtp.Dial(p.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	client.CommandTimeout = commandTimeout
	client.SubmissionTimeout = commandTimeout

	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < client.SubmissionTimeout {
			client.CommandTimeout = d
			client.SubmissionTimeout = d
		}
	}

	if p.cfg.Username != "" {
		if err := client.Auth(p.saslClient(client)); err != nil {
			client.Close()
			return nil, fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	return client, nil
}

// saslClient prefers PLAIN and falls back to LOGIN when that is all the
// server offers.
func (p *Provider) saslClient(client *smtp.Client) sasl.Client {
	if ok, mechs := client.Extension("AUTH"); ok {
		upper := strings.ToUpper(mechs)
		if !strings.Contains(upper, "PLAIN") && strings.Contains(upper, "LOGIN") {
			return sasl.NewLoginClient(p.cfg.Username, p.cfg.Password)
		}
	}
	return sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)
}

// Send builds a multipart/alternative message and submits it.
func (p *Provider) Send(ctx context.Context, msg *email.Message) (email.Outcome, error) {
	if err := msg.Validate(); err != nil {
		perr := provider.Permanent(p.name, err)
		return email.Failed(p.name, perr), perr
	}

	raw, messageID, err := buildMessage(p.cfg.Sender, msg)
	if err != nil {
		perr := provider.Permanent(p.name, fmt.Errorf("failed to build message: %w", err))
		return email.Failed(p.name, perr), perr
	}

	client, err := p.connect(ctx)
	if err != nil {
		perr := p.classify(err)
		return email.Failed(p.name, perr), perr
	}
	defer client.Close()

	if err := client.SendMail(envelopeSender(p.cfg.Sender), msg.To, bytes.NewReader(raw)); err != nil {
		perr := p.classify(fmt.Errorf("failed to send email: %w", err))
		return email.Failed(p.name, perr), perr
	}
	client.Quit()

	return email.Outcome{Success: true, Provider: p.name, MessageID: messageID}, nil
}

// SendBulk sends every message over its own connection.
func (p *Provider) SendBulk(ctx context.Context, msgs []*email.Message) []email.Outcome {
	return provider.SendEach(ctx, p.name, msgs, provider.DefaultBulkConcurrency, p.Send)
}

// Verify opens a connection, authenticates and quits.
func (p *Provider) Verify(ctx context.Context) provider.VerifyResult {
	client, err := p.connect(ctx)
	if err != nil {
		return provider.VerifyResult{Message: err.Error()}
	}
	defer client.Close()

	if err := client.Noop(); err != nil {
		return provider.VerifyResult{Message: fmt.Sprintf("NOOP failed: %v", err)}
	}
	client.Quit()
	return provider.VerifyResult{Success: true, Message: "SMTP connection verified"}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// classify marks 5xx replies as permanent; everything else, including
// network failures, is left to the queue to retry.
func (p *Provider) classify(err error) *provider.Error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return provider.Permanent(p.name, err)
	}
	return provider.Wrap(p.name, err)
}

// envelopeSender extracts the bare address from a display-form sender.
func envelopeSender(sender string) string {
	if addr, err := mail.ParseAddress(sender); err == nil {
		return addr.Address
	}
	return sender
}

// buildMessage renders msg as RFC 5322 bytes and returns them with the
// generated Message-ID.
func buildMessage(sender string, msg *email.Message) ([]byte, string, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(msg.Subject)

	from, err := mail.ParseAddress(sender)
	if err != nil {
		from = &mail.Address{Address: sender}
	}
	header.SetAddressList("From", []*mail.Address{from})

	to := make([]*mail.Address, 0, len(msg.To))
	for _, addr := range msg.To {
		to = append(to, &mail.Address{Address: addr})
	}
	header.SetAddressList("To", to)

	if err := header.GenerateMessageID(); err != nil {
		return nil, "", err
	}
	messageID, _ := header.MessageID()

	iw, err := mail.CreateInlineWriter(&buf, header)
	if err != nil {
		return nil, "", err
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", msg.PlainText()},
		{"text/html", msg.HTMLBody},
	}
	for _, part := range parts {
		if part.body == "" {
			continue
		}
		var h mail.InlineHeader
		h.SetContentType(part.contentType, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	}

	if err := iw.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), messageID, nil
}
