// Package templates renders the built-in transactional emails.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/mailgate/internal/email"
)

// Template names, also recorded as metadata.template on the message.
const (
	OTP           = "otp"
	PasswordReset = "password-reset"
	Welcome       = "welcome"
)

// Defaults applied when a request leaves a field empty.
const (
	DefaultOTPExpiry   = 10
	DefaultResetExpiry = 30
	DefaultCTAText     = "Get Started"
	defaultUserName    = "User"
)

//go:embed html/*.html
var files embed.FS

// Renderer builds messages from the embedded templates.
type Renderer struct {
	appName string
	appURL  string
	pages   map[string]*template.Template
	now     func() time.Time
}

// New parses the embedded templates. appName appears in subjects and
// footers; appURL is the base for password reset links.
func New(appName, appURL string) (*Renderer, error) {
	r := &Renderer{
		appName: appName,
		appURL:  strings.TrimRight(appURL, "/"),
		pages:   make(map[string]*template.Template),
		now:     time.Now,
	}
	for _, name := range []string{OTP, PasswordReset, Welcome} {
		t, err := template.ParseFS(files, "html/layout.html", "html/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// OTPRequest is the input for a one-time code email.
type OTPRequest struct {
	To            string `json:"to"`
	UserName      string `json:"userName,omitempty"`
	OTPCode       string `json:"otpCode"`
	ExpiryMinutes int    `json:"expiryMinutes,omitempty"`
}

// PasswordResetRequest is the input for a password reset email.
type PasswordResetRequest struct {
	To            string `json:"to"`
	UserName      string `json:"userName,omitempty"`
	ResetToken    string `json:"resetToken"`
	ResetURL      string `json:"resetUrl,omitempty"`
	ExpiryMinutes int    `json:"expiryMinutes,omitempty"`
}

// WelcomeRequest is the input for a welcome email.
type WelcomeRequest struct {
	To       string   `json:"to"`
	UserName string   `json:"userName,omitempty"`
	Features []string `json:"features,omitempty"`
	CTALink  string   `json:"ctaLink,omitempty"`
	CTAText  string   `json:"ctaText,omitempty"`
}

type page struct {
	AppName  string
	Year     int
	UserName string

	OTPCode       string
	ExpiryMinutes int
	ResetLink     string
	Features      []string
	CTALink       string
	CTAText       string
}

func (r *Renderer) base(userName string) page {
	if userName == "" {
		userName = defaultUserName
	}
	return page{AppName: r.appName, Year: r.now().Year(), UserName: userName}
}

// OTP renders a one-time code email.
func (r *Renderer) OTP(req OTPRequest) (*email.Message, error) {
	p := r.base(req.UserName)
	p.OTPCode = req.OTPCode
	p.ExpiryMinutes = req.ExpiryMinutes
	if p.ExpiryMinutes == 0 {
		p.ExpiryMinutes = DefaultOTPExpiry
	}
	return r.render(OTP, req.To, "Your OTP Code - "+r.appName, p)
}

// PasswordReset renders a reset email. The link is ResetURL, or the
// application's /reset-password page, with the token as a query parameter.
func (r *Renderer) PasswordReset(req PasswordResetRequest) (*email.Message, error) {
	link, err := r.resetLink(req.ResetURL, req.ResetToken)
	if err != nil {
		return nil, err
	}

	p := r.base(req.UserName)
	p.ResetLink = link
	p.ExpiryMinutes = req.ExpiryMinutes
	if p.ExpiryMinutes == 0 {
		p.ExpiryMinutes = DefaultResetExpiry
	}
	return r.render(PasswordReset, req.To, "Reset Your Password - "+r.appName, p)
}

func (r *Renderer) resetLink(base, token string) (string, error) {
	if base == "" {
		base = r.appURL + "/reset-password"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid reset url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Welcome renders a welcome email.
func (r *Renderer) Welcome(req WelcomeRequest) (*email.Message, error) {
	p := r.base(req.UserName)
	p.Features = req.Features
	p.CTALink = req.CTALink
	p.CTAText = req.CTAText
	if p.CTAText == "" {
		p.CTAText = DefaultCTAText
	}
	return r.render(Welcome, req.To, fmt.Sprintf("Welcome to %s!", r.appName), p)
}

func (r *Renderer) render(name, to, subject string, p page) (*email.Message, error) {
	var buf bytes.Buffer
	if err := r.pages[name].ExecuteTemplate(&buf, "layout", p); err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", name, err)
	}
	return &email.Message{
		To:       []string{to},
		Subject:  subject,
		HTMLBody: buf.String(),
		Metadata: map[string]any{"template": name},
	}, nil
}
