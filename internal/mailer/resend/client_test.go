package resend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"lab-backend/internal/mailer"
	"lab-backend/internal/shared/retry"
)

func withServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	prev := apiURL
	apiURL = srv.URL
	t.Cleanup(func() {
		apiURL = prev
		srv.Close()
	})
}

var sample = mailer.Message{
	To:      []string{"alice@lab.test", "bob@lab.test"},
	Subject: "Rivera Lab: Weekly sync summary",
	HTML:    "<p>summary</p>",
	Text:    "summary",
	Tags:    map[string]string{"workflow id": "wf-1", "kind": "meeting.summary"},
}

func TestSendPostsEmail(t *testing.T) {
	var got sendRequest
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer re_test" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = io.WriteString(w, `{"id":"email-123"}`)
	})

	client, err := NewClient("re_test", "Lab <lab@lab.test>")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	id, err := client.Send(context.Background(), sample)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "email-123" {
		t.Fatalf("unexpected id %q", id)
	}
	if got.From != "Lab <lab@lab.test>" || len(got.To) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0].Name != "kind" || got.Tags[0].Value != "meeting_summary" || got.Tags[1].Name != "workflow_id" {
		t.Fatalf("unexpected tags %+v", got.Tags)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantPermanent bool
	}{
		{name: "validation", status: http.StatusUnprocessableEntity, wantPermanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantPermanent: false},
		{name: "server", status: http.StatusInternalServerError, wantPermanent: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			withServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"statusCode":422,"name":"validation_error","message":"bad"}`)
			})
			client, err := NewClient("re_test", "lab@lab.test")
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			_, err = client.Send(context.Background(), sample)
			if err == nil {
				t.Fatalf("expected error")
			}
			if retry.IsPermanent(err) != tt.wantPermanent {
				t.Fatalf("IsPermanent = %v, want %v (%v)", retry.IsPermanent(err), tt.wantPermanent, err)
			}
		})
	}
}
