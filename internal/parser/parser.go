// Package parser turns raw RFC 5322 messages received over SMTP into
// inbox records: decoded headers, text and HTML bodies, and attachment
// metadata.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailgate/internal/inbox"
)

// Parse decodes raw into a StoredMessage. Only the content fields are set;
// the caller fills in the id, envelope, session and receive time.
// Unrecognized MIME parts are logged and skipped.
func Parse(raw []byte) (*inbox.StoredMessage, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if r == nil {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		slog.Warn("message uses an unknown charset", "error", err)
	}
	defer r.Close()

	if t, params, _ := r.Header.ContentType(); strings.HasPrefix(t, "multipart/") && params["boundary"] == "" {
		return nil, errors.New("multipart message missing boundary")
	}

	result := &inbox.StoredMessage{
		Headers:     headerList(r.Header.Header),
		Attachments: []inbox.Attachment{},
		Size:        int64(len(raw)),
	}

	result.Subject, _ = r.Header.Subject()
	if id, err := r.Header.MessageID(); err == nil {
		result.HeaderMessageID = id
	} else {
		result.HeaderMessageID = r.Header.Get("Message-Id")
	}
	if from := parseAddressList(r.Header, "From"); len(from) > 0 {
		result.From = from[0]
	}
	result.To = parseAddressList(r.Header, "To")
	result.Cc = parseAddressList(r.Header, "Cc")

	if date, err := r.Header.Date(); err != nil {
		slog.Warn("failed to parse Date header", "date", r.Header.Get("Date"), "error", err)
	} else if !date.IsZero() {
		result.Date = date.UTC()
	}

	for {
		part, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if part == nil {
				return nil, fmt.Errorf("failed to read next part: %w", err)
			}
			slog.Warn("part uses an unknown charset", "error", err)
		}
		readPart(part, result)
	}

	return result, nil
}

// readPart routes one leaf part into the text, HTML or attachment fields.
func readPart(part *mail.Part, result *inbox.StoredMessage) {
	h := partHeader(part)

	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	disposition, _, _ := h.ContentDisposition()
	isAttachment := disposition == "attachment"

	if isAttachment || (mediaType != "text/plain" && mediaType != "text/html") {
		filename := extractFilename(h, params)
		if !isAttachment && filename == "" {
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
			io.Copy(io.Discard, part.Body)
			return
		}
		if filename == "" {
			filename = fallbackFilename(mediaType)
		}
		size, err := io.Copy(io.Discard, part.Body)
		if err != nil {
			slog.Warn("failed to read attachment", "filename", filename, "error", err)
		}
		result.Attachments = append(result.Attachments, inbox.Attachment{
			Filename:    filename,
			ContentType: mediaType,
			Size:        size,
		})
		return
	}

	content, err := io.ReadAll(part.Body)
	if err != nil {
		slog.Warn("failed to read part content", "content_type", mediaType, "error", err)
		return
	}
	switch mediaType {
	case "text/plain":
		if result.Text == "" {
			result.Text = string(content)
		}
	case "text/html":
		if result.HTML == "" {
			result.HTML = string(content)
		}
	}
}

func partHeader(part *mail.Part) message.Header {
	switch h := part.Header.(type) {
	case *mail.InlineHeader:
		return h.Header
	case *mail.AttachmentHeader:
		return h.Header
	default:
		return message.Header{}
	}
}

// extractFilename checks the Content-Disposition filename, then the
// Content-Type name parameter.
func extractFilename(h message.Header, params map[string]string) string {
	ah := mail.AttachmentHeader{Header: h}
	if fn, err := ah.Filename(); err == nil && fn != "" {
		return fn
	}
	return params["name"]
}

// fallbackFilename names an attachment from its media type, e.g.
// attachment.pdf.
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func headerList(h message.Header) []inbox.Header {
	var out []inbox.Header
	fields := h.Fields()
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		out = append(out, inbox.Header{Key: fields.Key(), Value: v})
	}
	return out
}

// parseAddressList returns the addresses of the named field. Names are
// kept as "Name <addr>". Unparseable lists fall back to a comma split.
func parseAddressList(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil {
		raw := h.Get(key)
		var result []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	if len(addrs) == 0 {
		return nil
	}

	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			result = append(result, a.Name+" <"+a.Address+">")
		} else {
			result = append(result, a.Address)
		}
	}
	return result
}
