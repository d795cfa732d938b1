package openai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lab-backend/internal/llm"
	"lab-backend/internal/shared/retry"
	"lab-backend/internal/shared/telemetry"
)

const (
	defaultEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultTimeout  = 120 * time.Second
)

// Options tunes the chat client. Zero values use the defaults.
type Options struct {
	Endpoint string
	Timeout  time.Duration
	// NoTemperatureModels only accept the default temperature, matched
	// case-insensitively. gpt-5 models are always included.
	NoTemperatureModels []string
}

// Client implements llm.Client using OpenAI Chat Completions.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	noTemp     map[string]struct{}
	httpClient *http.Client
}

// NewClient constructs a new OpenAI client.
func NewClient(apiKey, model string, opts Options) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = defaultEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	noTemp := make(map[string]struct{}, len(opts.NoTemperatureModels))
	for _, m := range opts.NoTemperatureModels {
		if m = normalizeModel(m); m != "" {
			noTemp[m] = struct{}{}
		}
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		endpoint:   opts.Endpoint,
		noTemp:     noTemp,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float32       `json:"temperature,omitempty"`
	ResponseFormat responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// errTemperatureUnsupported is returned when the model rejects temperature=0.
var errTemperatureUnsupported = errors.New("temperature unsupported")

// ExtractMeeting returns the model's raw JSON for the meeting.
func (c *Client) ExtractMeeting(ctx context.Context, input llm.ExtractInput) (json.RawMessage, error) {
	if rawFix, ok := llm.FixJSONFromContext(ctx); ok {
		return c.completeJSON(ctx, buildFixPrompt(input, []byte(rawFix)))
	}

	raw, err := c.completeJSON(ctx, BuildPrompt(input))
	if err == nil {
		return raw, nil
	}
	var invalid invalidJSONError
	if !errors.As(err, &invalid) {
		return nil, err
	}
	return c.completeJSON(ctx, buildFixPrompt(input, invalid.raw))
}

type invalidJSONError struct {
	raw []byte
}

func (e invalidJSONError) Error() string { return "invalid JSON from OpenAI" }

func (c *Client) completeJSON(ctx context.Context, messages []Message) (json.RawMessage, error) {
	useTemp := c.supportsTemperature()
	raw, usage, err := c.completeOnce(ctx, messages, useTemp)
	if errors.Is(err, errTemperatureUnsupported) && useTemp {
		raw, usage, err = c.completeOnce(ctx, messages, false)
	}
	if err != nil {
		return nil, err
	}
	c.logUsage(messages, usage)
	if !json.Valid(raw) {
		return nil, invalidJSONError{raw: raw}
	}
	return raw, nil
}

func (c *Client) completeOnce(ctx context.Context, messages []Message, withTemperature bool) (json.RawMessage, *chatUsage, error) {
	reqMessages := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		reqMessages = append(reqMessages, chatMessage{Role: m.Role, Content: m.Content})
	}
	reqBody := chatRequest{
		Model:    c.model,
		Messages: reqMessages,
		ResponseFormat: responseFormat{
			Type: "json_object",
		},
	}
	if withTemperature {
		temp := float32(0)
		reqBody.Temperature = &temp
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return nil, nil, fmt.Errorf("openai request timeout: %w", err)
		}
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			return nil, nil, statusError(resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, nil, fmt.Errorf("openai response parse: %w", err)
	}
	if parsed.Error != nil {
		if strings.Contains(strings.ToLower(parsed.Error.Message), "temperature") {
			return nil, nil, fmt.Errorf("%w: %s", errTemperatureUnsupported, parsed.Error.Message)
		}
		return nil, nil, statusError(resp.StatusCode, fmt.Sprintf("%s (%s)", parsed.Error.Message, parsed.Error.Type))
	}
	if resp.StatusCode >= 400 {
		return nil, nil, statusError(resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(parsed.Choices) == 0 {
		return nil, nil, fmt.Errorf("openai response missing choices")
	}

	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return nil, nil, fmt.Errorf("openai response empty content")
	}
	return json.RawMessage(content), parsed.Usage, nil
}

func statusError(status int, msg string) error {
	err := fmt.Errorf("openai http status %d: %s", status, msg)
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return retry.Permanent(err)
	}
	return err
}

func (c *Client) logUsage(messages []Message, usage *chatUsage) {
	fields := map[string]any{
		"model":          c.model,
		"prompt_version": llm.PromptVersion,
		"prompt_hash":    hashPromptString(promptStringFromMessages(messages)),
	}
	if usage != nil {
		fields["prompt_tokens"] = usage.PromptTokens
		fields["completion_tokens"] = usage.CompletionTokens
		fields["total_tokens"] = usage.TotalTokens
	}
	telemetry.Info("llm.response", fields)
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

func isGPT5(model string) bool {
	return strings.HasPrefix(normalizeModel(model), "gpt-5")
}

// supportsTemperature reports whether temperature=0 may be sent.
func (c *Client) supportsTemperature() bool {
	if isGPT5(c.model) {
		return false
	}
	_, denied := c.noTemp[normalizeModel(c.model)]
	return !denied
}

func promptStringFromMessages(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func hashPromptString(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

var _ llm.Client = (*Client)(nil)
