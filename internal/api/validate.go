package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/templates"
)

const (
	maxSubjectLen = 255
	maxBulk       = 100
)

// recipients accepts either a single address or a list.
type recipients []string

func (r *recipients) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = recipients{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("to must be an address or a list of addresses")
	}
	*r = list
	return nil
}

func validAddress(addr string) bool {
	a, err := mail.ParseAddress(addr)
	return err == nil && strings.Contains(a.Address, "@")
}

// sendRequest is the body of /api/email/send and each bulk item.
type sendRequest struct {
	To       recipients     `json:"to"`
	Subject  string         `json:"subject"`
	HTML     string         `json:"html"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	UseQueue *bool          `json:"useQueue,omitempty"`
}

func (req *sendRequest) message() (*email.Message, error) {
	if len(req.To) == 0 {
		return nil, invalid("to", "at least one recipient is required")
	}
	for _, addr := range req.To {
		if !validAddress(addr) {
			return nil, invalid("to", "%q is not a valid email address", addr)
		}
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, invalid("subject", "is required")
	}
	if len(req.Subject) > maxSubjectLen {
		return nil, invalid("subject", "must be at most %d characters", maxSubjectLen)
	}
	if strings.TrimSpace(req.HTML) == "" {
		return nil, invalid("html", "is required")
	}
	return &email.Message{
		To:       []string(req.To),
		Subject:  req.Subject,
		HTMLBody: req.HTML,
		TextBody: req.Text,
		Metadata: req.Metadata,
	}, nil
}

func (req *sendRequest) useQueue() bool {
	return req.UseQueue == nil || *req.UseQueue
}

type bulkRequest struct {
	Emails []sendRequest `json:"emails"`
}

// messages validates every item before returning any.
func (req *bulkRequest) messages() ([]*email.Message, error) {
	if len(req.Emails) == 0 {
		return nil, invalid("emails", "must be a non-empty array")
	}
	if len(req.Emails) > maxBulk {
		return nil, invalid("emails", "at most %d emails are allowed per request", maxBulk)
	}
	msgs := make([]*email.Message, len(req.Emails))
	for i := range req.Emails {
		m, err := req.Emails[i].message()
		if err != nil {
			ve := err.(*ValidationError)
			return nil, invalid(fmt.Sprintf("emails[%d].%s", i, ve.Field), "%s", ve.Message)
		}
		msgs[i] = m
	}
	return msgs, nil
}

func requireAddress(field, addr string) error {
	if addr == "" {
		return invalid(field, "is required")
	}
	if !validAddress(addr) {
		return invalid(field, "%q is not a valid email address", addr)
	}
	return nil
}

func checkExpiry(minutes, max int) error {
	if minutes != 0 && (minutes < 1 || minutes > max) {
		return invalid("expiryMinutes", "must be between 1 and %d", max)
	}
	return nil
}

func validateOTP(req *templates.OTPRequest) error {
	if err := requireAddress("to", req.To); err != nil {
		return err
	}
	if req.OTPCode == "" {
		return invalid("otpCode", "is required")
	}
	return checkExpiry(req.ExpiryMinutes, 60)
}

func validatePasswordReset(req *templates.PasswordResetRequest) error {
	if err := requireAddress("to", req.To); err != nil {
		return err
	}
	if req.ResetToken == "" {
		return invalid("resetToken", "is required")
	}
	if req.ResetURL != "" && !validURL(req.ResetURL) {
		return invalid("resetUrl", "must be an absolute http(s) URL")
	}
	return checkExpiry(req.ExpiryMinutes, 120)
}

func validateWelcome(req *templates.WelcomeRequest) error {
	if err := requireAddress("to", req.To); err != nil {
		return err
	}
	if req.CTALink != "" && !validURL(req.CTALink) {
		return invalid("ctaLink", "must be an absolute http(s) URL")
	}
	return nil
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
