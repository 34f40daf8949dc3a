// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/mailgate/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider owns its own connection and credentials and reports
// backend failures as *Error.
type Provider interface {
	// Send delivers one message. On failure the returned error is a *Error
	// and the Outcome describes the failure.
	Send(ctx context.Context, msg *email.Message) (email.Outcome, error)

	// SendBulk delivers every message and returns exactly one Outcome per
	// input, in input order. One message's failure never aborts the others.
	SendBulk(ctx context.Context, msgs []*email.Message) []email.Outcome

	// Name returns the human-readable name of this provider.
	Name() string
}

// Verifier is implemented by providers that can check their backend.
type Verifier interface {
	Verify(ctx context.Context) VerifyResult
}

// VerifyResult is the answer of a health check.
type VerifyResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Verify checks p if it implements Verifier. A provider without a check is
// reported healthy.
func Verify(ctx context.Context, p Provider) VerifyResult {
	v, ok := p.(Verifier)
	if !ok {
		return VerifyResult{Success: true, Message: "provider does not support verification"}
	}
	return v.Verify(ctx)
}

// Error is the common failure shape of every backend.
type Error struct {
	Backend string
	Cause   error

	// Permanent marks rejections that cannot succeed on retry, such as a
	// malformed address or bad credentials.
	Permanent bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Backend, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap returns err as a *Error for backend unless it already is one.
func Wrap(backend string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Backend: backend, Cause: err}
}

// Permanent returns a permanent *Error for backend.
func Permanent(backend string, err error) *Error {
	return &Error{Backend: backend, Cause: err, Permanent: true}
}

// IsPermanent reports whether err is a permanent provider rejection.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Permanent
}
