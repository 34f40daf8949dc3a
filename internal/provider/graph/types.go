// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"sort"

	"github.com/shineum/mailgate/internal/email"
)

// Wire shapes for POST /users/{sender}/sendMail.
type (
	sendMailRequest struct {
		Message         graphMessage `json:"message"`
		SaveToSentItems bool         `json:"saveToSentItems"`
	}

	graphMessage struct {
		Subject      string       `json:"subject"`
		Body         itemBody     `json:"body"`
		ToRecipients []recipient  `json:"toRecipients"`
		Headers      []itemHeader `json:"internetMessageHeaders,omitempty"`
	}

	itemBody struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	}

	recipient struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	}

	// itemHeader is a custom X- header; Graph rejects any other name.
	itemHeader struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}

	errorEnvelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
)

// headerPrefix namespaces metadata carried as internet message headers.
const headerPrefix = "X-Mailgate-"

// buildSendMailRequest converts msg into a sendMail body. Graph carries a
// single body, so HTML wins and the derived text is only used for messages
// without markup. String metadata values travel as X-Mailgate-* headers in
// key order.
func buildSendMailRequest(msg *email.Message) *sendMailRequest {
	out := &sendMailRequest{
		Message: graphMessage{
			Subject: msg.Subject,
			Body:    itemBody{ContentType: "text", Content: msg.PlainText()},
		},
	}
	if msg.HTMLBody != "" {
		out.Message.Body = itemBody{ContentType: "html", Content: msg.HTMLBody}
	}

	out.Message.ToRecipients = make([]recipient, len(msg.To))
	for i, addr := range msg.To {
		out.Message.ToRecipients[i].EmailAddress.Address = addr
	}

	keys := make([]string, 0, len(msg.Metadata))
	for k, v := range msg.Metadata {
		if _, ok := v.(string); ok && k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Message.Headers = append(out.Message.Headers, itemHeader{
			Name:  headerPrefix + k,
			Value: msg.Metadata[k].(string),
		})
	}

	return out
}
