package sendgrid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/provider"
)

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	req := buildRequest("noreply@example.com", &email.Message{
		To:       []string{"a@example.com", "b@example.com"},
		Subject:  "Hello",
		HTMLBody: "<p>Hi <b>there</b></p>",
		Metadata: map[string]any{"template": "welcome"},
	})

	if req.From.Email != "noreply@example.com" {
		t.Errorf("From: got %q", req.From.Email)
	}
	if len(req.Personalizations) != 1 || len(req.Personalizations[0].To) != 2 {
		t.Fatalf("Personalizations: got %+v", req.Personalizations)
	}
	if len(req.Content) != 2 {
		t.Fatalf("Content: got %d parts, want 2", len(req.Content))
	}
	if req.Content[0].Type != "text/plain" || req.Content[0].Value != "Hi there" {
		t.Errorf("Content[0]: got %+v, want derived text/plain first", req.Content[0])
	}
	if req.Content[1].Type != "text/html" {
		t.Errorf("Content[1].Type: got %q, want text/html", req.Content[1].Type)
	}
	if len(req.Categories) != 1 || req.Categories[0] != "welcome" {
		t.Errorf("Categories: got %v, want [welcome]", req.Categories)
	}
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer SG.key" {
			t.Errorf("Authorization: got %q", got)
		}
		var body mailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Subject != "Hi" {
			t.Errorf("Subject: got %q, want Hi", body.Subject)
		}
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := newWithOverrides(Config{APIKey: "SG.key", Sender: "s@example.com"}, server.URL, server.Client())

	out, err := p.Send(context.Background(), &email.Message{To: []string{"a@example.com"}, Subject: "Hi", HTMLBody: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success || out.MessageID != "sg-123" || out.Provider != "sendgrid" {
		t.Errorf("outcome: got %+v", out)
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, permanent: true},
		{name: "unauthorized", status: http.StatusUnauthorized, permanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, permanent: false},
		{name: "server error", status: http.StatusInternalServerError, permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"errors":[{"message":"nope"}]}`))
			}))
			defer server.Close()

			p := newWithOverrides(Config{APIKey: "k", Sender: "s@example.com"}, server.URL, server.Client())
			out, err := p.Send(context.Background(), &email.Message{To: []string{"a@example.com"}, HTMLBody: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := provider.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent: got %v, want %v", got, tt.permanent)
			}
			if !strings.Contains(out.Error, "nope") {
				t.Errorf("outcome error should carry the response body, got %q", out.Error)
			}
		})
	}
}

func TestSendBulk(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body mailRequest
		json.NewDecoder(r.Body).Decode(&body)
		to := body.Personalizations[0].To[0].Email
		if to == "bad@example.com" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("X-Message-Id", "id-"+to)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := newWithOverrides(Config{APIKey: "k", Sender: "s@example.com"}, server.URL, server.Client())
	outs := p.SendBulk(context.Background(), []*email.Message{
		{To: []string{"a@example.com"}, HTMLBody: "x"},
		{To: []string{"bad@example.com"}, HTMLBody: "x"},
	})

	if len(outs) != 2 {
		t.Fatalf("outcomes: got %d, want 2", len(outs))
	}
	if !outs[0].Success || outs[0].MessageID != "id-a@example.com" {
		t.Errorf("outs[0]: got %+v", outs[0])
	}
	if outs[1].Success {
		t.Errorf("outs[1]: got %+v, want failure", outs[1])
	}
}
