package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"lab-backend/internal/mailer"
	"lab-backend/internal/shared/retry"
)

var apiURL = "https://api.resend.com/emails"

var tagSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Client implements mailer.Client using the Resend HTTP API.
type Client struct {
	apiKey     string
	from       string
	httpClient *http.Client
}

// NewClient constructs a Resend client.
func NewClient(apiKey, from string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("RESEND_API_KEY is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("MAIL_FROM is required")
	}
	return &Client{
		apiKey:     apiKey,
		from:       from,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
	Tags    []tag    `json:"tags,omitempty"`
}

type sendResponse struct {
	ID         string `json:"id"`
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// Send delivers msg and returns the Resend email id.
func (c *Client) Send(ctx context.Context, msg mailer.Message) (string, error) {
	if err := mailer.Validate(msg); err != nil {
		return "", err
	}
	payload, err := json.Marshal(sendRequest{
		From:    c.from,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Tags:    toTags(msg.Tags),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return "", fmt.Errorf("resend request timeout: %w", err)
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
		msg := parsed.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		err := fmt.Errorf("resend: http status %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(err)
		}
		return "", err
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("resend: response missing id")
	}
	return parsed.ID, nil
}

func toTags(tags map[string]string) []tag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]tag, 0, len(tags))
	for _, k := range keys {
		name := tagSanitizer.ReplaceAllString(k, "_")
		if name == "" {
			continue
		}
		out = append(out, tag{Name: name, Value: tagSanitizer.ReplaceAllString(tags[k], "_")})
	}
	return out
}

var _ mailer.Client = (*Client)(nil)
