package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lab-backend/internal/shared/retry"
	"lab-backend/internal/transcribe"
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

func TestTranscribeSendsMultipartForm(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("expected model whisper-1, got %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("expected language en, got %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			if string(data) != "RIFF" || header.Filename != "standup.wav" {
				t.Errorf("unexpected file %q %q", header.Filename, data)
			}
		}
		_, _ = io.WriteString(w, `{"text":" Alice will finish the report by Friday. "}`)
	})

	client, err := NewClient("sk-test", "", "en", 0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	got, err := client.Transcribe(context.Background(), transcribe.Audio{Data: []byte("RIFF"), ContentType: "audio/wav", FileName: "standup.wav"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "Alice will finish the report by Friday." {
		t.Fatalf("unexpected transcript %q", got)
	}
}

func TestTranscribeClassifiesStatus(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantPermanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, wantPermanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantPermanent: false},
		{name: "server error", status: http.StatusBadGateway, wantPermanent: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			withServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"invalid_request_error"}}`)
			})
			client, err := NewClient("sk-test", "whisper-1", "", time.Minute)
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}
			_, err = client.Transcribe(context.Background(), transcribe.Audio{Data: []byte("x"), ContentType: "audio/mpeg"})
			if err == nil {
				t.Fatalf("expected error")
			}
			if retry.IsPermanent(err) != tt.wantPermanent {
				t.Fatalf("IsPermanent = %v, want %v (err=%v)", retry.IsPermanent(err), tt.wantPermanent, err)
			}
			if !strings.Contains(err.Error(), "nope") {
				t.Fatalf("expected provider message in error, got %v", err)
			}
		})
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(" ", "whisper-1", "", 0); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
