package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"lab-backend/internal/mailer"
	"lab-backend/internal/shared/retry"
)

const sendScope = "https://www.googleapis.com/auth/gmail.send"

var (
	apiURL   = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"
	endpoint = google.Endpoint
)

// Config holds the OAuth client and the long-lived refresh token of the sending account.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	From         string
}

// Client implements mailer.Client through the Gmail API.
type Client struct {
	from       string
	httpClient *http.Client
}

// NewClient builds a client whose HTTP transport refreshes access tokens as needed.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("GMAIL_CLIENT_ID and GMAIL_CLIENT_SECRET are required")
	}
	if strings.TrimSpace(cfg.RefreshToken) == "" {
		return nil, fmt.Errorf("GMAIL_REFRESH_TOKEN is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("MAIL_FROM is required")
	}
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{sendScope},
		Endpoint:     endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: 30 * time.Second})
	source := oauth2.ReuseTokenSource(nil, oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}))
	httpClient := oauth2.NewClient(ctx, source)
	httpClient.Timeout = 30 * time.Second
	return NewClientWithHTTP(cfg.From, httpClient), nil
}

// NewClientWithHTTP uses an already authorized HTTP client.
func NewClientWithHTTP(from string, httpClient *http.Client) *Client {
	return &Client{from: from, httpClient: httpClient}
}

type sendRequest struct {
	Raw string `json:"raw"`
}

type sendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Send delivers msg and returns the Gmail message id.
func (c *Client) Send(ctx context.Context, msg mailer.Message) (string, error) {
	if err := mailer.Validate(msg); err != nil {
		return "", err
	}
	raw, err := buildMIME(c.from, msg)
	if err != nil {
		return "", retry.Permanent(err)
	}
	payload, err := json.Marshal(sendRequest{Raw: base64.URLEncoding.EncodeToString(raw)})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return "", retry.Permanent(fmt.Errorf("gmail token refresh: %w", err))
		}
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var parsed sendResponse
	_ = json.Unmarshal(body, &parsed)
	if resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(body))
		if parsed.Error != nil {
			detail = parsed.Error.Message
		}
		err := fmt.Errorf("gmail: http status %d: %s", resp.StatusCode, detail)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(err)
		}
		return "", err
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("gmail: response missing id")
	}
	return parsed.ID, nil
}

func buildMIME(from string, msg mailer.Message) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	parts := []struct {
		contentType string
		content     string
	}{
		{contentType: "text/plain; charset=UTF-8", content: msg.Text},
		{contentType: "text/html; charset=UTF-8", content: msg.HTML},
	}
	for _, p := range parts {
		if strings.TrimSpace(p.content) == "" {
			continue
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Type", p.contentType)
		header.Set("Content-Transfer-Encoding", "base64")
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write([]byte(wrapBase64(p.content))); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "From: %s\r\n", from)
	fmt.Fprintf(&out, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	if len(msg.Tags) > 0 {
		fmt.Fprintf(&out, "X-Lab-Tags: %s\r\n", formatTags(msg.Tags))
	}
	out.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", w.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func wrapBase64(content string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	var b strings.Builder
	for len(encoded) > 76 {
		b.WriteString(encoded[:76])
		b.WriteString("\r\n")
		encoded = encoded[76:]
	}
	b.WriteString(encoded)
	return b.String()
}

func formatTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+tags[k])
	}
	return strings.Join(pairs, "; ")
}

var _ mailer.Client = (*Client)(nil)
