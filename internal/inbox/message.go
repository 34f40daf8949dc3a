// Package inbox persists messages accepted by the inbound SMTP server.
package inbox

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no stored message has the requested id.
var ErrNotFound = errors.New("message not found")

// Attachment describes an attachment without its content.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Header is one header field. Headers are kept in message order and may
// repeat.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SessionInfo records the connection a message arrived on.
type SessionInfo struct {
	RemoteAddress string `json:"remoteAddress"`
	User          string `json:"user,omitempty"`
}

// Envelope is the SMTP envelope, which may differ from the headers.
type Envelope struct {
	MailFrom string   `json:"mailFrom"`
	RcptTo   []string `json:"rcptTo"`
}

// StoredMessage is an accepted inbound message. ID is assigned at
// acceptance; HeaderMessageID is whatever the client put in Message-ID.
type StoredMessage struct {
	ID              string       `json:"messageId"`
	HeaderMessageID string       `json:"headerMessageId,omitempty"`
	From            string       `json:"from"`
	To              []string     `json:"to"`
	Cc              []string     `json:"cc,omitempty"`
	Subject         string       `json:"subject"`
	Date            time.Time    `json:"date,omitzero"`
	Text            string       `json:"text"`
	HTML            string       `json:"html,omitempty"`
	Attachments     []Attachment `json:"attachments"`
	Headers         []Header     `json:"headers"`
	Size            int64        `json:"size"`
	Envelope        Envelope     `json:"envelope"`
	ReceivedAt      time.Time    `json:"receivedAt"`
	Session         SessionInfo  `json:"session"`
}

// NewID returns a time-ordered, collision-free message id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// StorageError reports a failed persistence operation.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("inbox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("inbox %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
