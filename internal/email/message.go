// Package email defines the outbound message model shared by the dispatch
// queue and the provider adapters.
package email

import (
	"errors"
	"strings"
)

// Message is an outbound send request. It must not be modified once it has
// been handed to the dispatch queue.
type Message struct {
	To       []string       `json:"to"`
	Subject  string         `json:"subject"`
	HTMLBody string         `json:"html"`
	TextBody string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrNoRecipients is returned by Validate for a message without recipients.
var ErrNoRecipients = errors.New("message has no recipients")

// Validate performs the structural checks every adapter relies on.
func (m *Message) Validate() error {
	if len(m.To) == 0 {
		return ErrNoRecipients
	}
	for _, addr := range m.To {
		if strings.TrimSpace(addr) == "" {
			return errors.New("message has an empty recipient")
		}
	}
	return nil
}

// PlainText returns the text body, deriving it from the HTML body when the
// caller did not supply one.
func (m *Message) PlainText() string {
	if m.TextBody != "" {
		return m.TextBody
	}
	return HTMLToText(m.HTMLBody)
}

// Template returns the template name recorded in the metadata, if any.
func (m *Message) Template() string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["template"].(string); ok {
		return v
	}
	return ""
}

// Recipient returns the recipients joined for display and analytics.
func (m *Message) Recipient() string {
	return strings.Join(m.To, ", ")
}

// Outcome is the result of one adapter invocation for one message.
type Outcome struct {
	Success   bool   `json:"success"`
	Provider  string `json:"provider"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Failed builds a failed Outcome for the given provider and error.
func Failed(provider string, err error) Outcome {
	o := Outcome{Provider: provider}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}
