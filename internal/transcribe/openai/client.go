package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"lab-backend/internal/shared/retry"
	"lab-backend/internal/transcribe"
)

const defaultModel = "whisper-1"

var apiURL = "https://api.openai.com/v1/audio/transcriptions"

// Client implements transcribe.Client using the OpenAI audio API.
type Client struct {
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// NewClient constructs a new transcription client. A zero timeout uses the
// five minute default.
func NewClient(apiKey, model, language string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		apiKey:   apiKey,
		model:    model,
		language: strings.TrimSpace(language),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type transcriptionResponse struct {
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Transcribe uploads the audio and returns the transcript text.
func (c *Client) Transcribe(ctx context.Context, audio transcribe.Audio) (string, error) {
	if err := transcribe.Validate(audio); err != nil {
		return "", err
	}
	body, contentType, err := c.buildForm(audio)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return "", fmt.Errorf("openai transcription timeout: %w", err)
		}
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(payload, &parsed); err != nil && resp.StatusCode < 300 {
		return "", fmt.Errorf("openai transcription response parse: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(payload))
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		err := fmt.Errorf("openai transcription: http status %d: %s", resp.StatusCode, msg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return "", fmt.Errorf("openai transcription returned empty text")
	}
	log.Printf("transcription response model=%s bytes=%d duration_ms=%d", c.model, len(audio.Data), time.Since(started).Milliseconds())
	return text, nil
}

func (c *Client) buildForm(audio transcribe.Audio) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	name := audio.FileName
	if strings.TrimSpace(name) == "" {
		name = "meeting-audio"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", transcribe.MediaType(audio.ContentType))
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("model", c.model); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return nil, "", err
	}
	if c.language != "" {
		if err := w.WriteField("language", c.language); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

var _ transcribe.Client = (*Client)(nil)
