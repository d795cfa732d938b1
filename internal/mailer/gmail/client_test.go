package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/oauth2"

	"lab-backend/internal/mailer"
	"lab-backend/internal/shared/retry"
)

var sample = mailer.Message{
	To:      []string{"alice@lab.test"},
	Subject: "Rivera Lab: Weekly sync summary",
	HTML:    "<p>summary</p>",
	Text:    "summary",
	Tags:    map[string]string{"workflow": "wf-1"},
}

func TestSendRefreshesTokenAndPostsRawMessage(t *testing.T) {
	var tokenCalls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-1" {
			t.Errorf("unexpected token request %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"access-1","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(tokenSrv.Close)

	var rawMessage []byte
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		decoded, err := base64.URLEncoding.DecodeString(req.Raw)
		if err != nil {
			t.Errorf("decode raw: %v", err)
		}
		rawMessage = decoded
		_, _ = io.WriteString(w, `{"id":"gmail-1","threadId":"thread-1"}`)
	}))
	t.Cleanup(apiSrv.Close)

	prevAPI, prevEndpoint := apiURL, endpoint
	apiURL = apiSrv.URL
	endpoint = oauth2.Endpoint{TokenURL: tokenSrv.URL, AuthStyle: oauth2.AuthStyleInParams}
	t.Cleanup(func() {
		apiURL = prevAPI
		endpoint = prevEndpoint
	})

	client, err := NewClient(context.Background(), Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RefreshToken: "refresh-1",
		From:         "Lab <lab@lab.test>",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	for i := 0; i < 2; i++ {
		id, err := client.Send(context.Background(), sample)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if id != "gmail-1" {
			t.Fatalf("unexpected id %q", id)
		}
	}
	if atomic.LoadInt32(&tokenCalls) != 1 {
		t.Fatalf("expected token to be reused, got %d refreshes", tokenCalls)
	}

	parsed, err := mail.ReadMessage(strings.NewReader(string(rawMessage)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if parsed.Header.Get("To") != "alice@lab.test" || parsed.Header.Get("X-Lab-Tags") != "workflow=wf-1" {
		t.Fatalf("unexpected headers %v", parsed.Header)
	}
	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/alternative" {
		t.Fatalf("unexpected content type %q: %v", parsed.Header.Get("Content-Type"), err)
	}
	reader := multipart.NewReader(parsed.Body, params["boundary"])
	var types []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		types = append(types, part.Header.Get("Content-Type"))
	}
	if len(types) != 2 || !strings.HasPrefix(types[0], "text/plain") || !strings.HasPrefix(types[1], "text/html") {
		t.Fatalf("unexpected parts %v", types)
	}
}

func TestSendClientErrorIsPermanent(t *testing.T) {
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Invalid To header","status":"INVALID_ARGUMENT"}}`)
	}))
	t.Cleanup(apiSrv.Close)
	prev := apiURL
	apiURL = apiSrv.URL
	t.Cleanup(func() { apiURL = prev })

	client := NewClientWithHTTP("lab@lab.test", apiSrv.Client())
	_, err := client.Send(context.Background(), sample)
	if err == nil || !retry.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid To header") {
		t.Fatalf("expected provider message, got %v", err)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{From: "lab@lab.test"}); err == nil {
		t.Fatalf("expected error")
	}
}
