package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Client abstracts LLM providers for meeting analysis.
type Client interface {
	ExtractMeeting(ctx context.Context, input ExtractInput) (json.RawMessage, error)
}

// ExtractInput captures what the model needs to summarize a meeting.
type ExtractInput struct {
	Transcript  string
	MeetingType string
	Title       string
	Attendees   []string
	// MeetingDate anchors relative due dates ("by Friday"), formatted 2006-01-02.
	MeetingDate string
}

type fixJSONKey struct{}

// WithFixJSON returns a context signaling a fix-JSON retry with the given raw output.
func WithFixJSON(ctx context.Context, raw string) context.Context {
	return context.WithValue(ctx, fixJSONKey{}, raw)
}

// FixJSONFromContext returns the raw JSON to repair, if any.
func FixJSONFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(fixJSONKey{})
	raw, ok := val.(string)
	return raw, ok
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("LLM not implemented")

// PlaceholderClient is a stub implementation until provider wiring is added.
type PlaceholderClient struct{}

// ExtractMeeting returns ErrNotImplemented.
func (PlaceholderClient) ExtractMeeting(ctx context.Context, input ExtractInput) (json.RawMessage, error) {
	_ = ctx
	_ = input
	return nil, ErrNotImplemented
}
