package transcribe

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"lab-backend/internal/shared/retry"
)

// Audio is a recorded meeting handed to a transcription provider.
type Audio struct {
	Data        []byte
	ContentType string
	FileName    string
}

// Client abstracts speech-to-text providers.
type Client interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

var (
	// ErrNotImplemented is returned by the placeholder client.
	ErrNotImplemented    = errors.New("transcription not implemented")
	ErrEmptyAudio        = errors.New("audio payload is empty")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// MaxAudioBytes is the largest payload accepted by the hosted providers.
const MaxAudioBytes = 25 << 20

var supportedTypes = map[string]struct{}{
	"audio/mpeg":  {},
	"audio/mp3":   {},
	"audio/mp4":   {},
	"audio/m4a":   {},
	"audio/x-m4a": {},
	"audio/wav":   {},
	"audio/x-wav": {},
	"audio/webm":  {},
	"audio/ogg":   {},
	"audio/flac":  {},
	"video/mp4":   {},
	"video/webm":  {},
}

// MediaType returns the lowercased media type without parameters.
func MediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.ToLower(mt)
}

// Validate rejects payloads no provider can handle. The error is permanent.
func Validate(audio Audio) error {
	if len(audio.Data) == 0 {
		return retry.Permanent(ErrEmptyAudio)
	}
	if len(audio.Data) > MaxAudioBytes {
		return retry.Permanent(fmt.Errorf("audio payload is %d bytes, limit is %d", len(audio.Data), MaxAudioBytes))
	}
	mt := MediaType(audio.ContentType)
	if _, ok := supportedTypes[mt]; ok {
		return nil
	}
	if mt == "text/plain" {
		return nil
	}
	return retry.Permanent(fmt.Errorf("%w: %s", ErrUnsupportedFormat, audio.ContentType))
}

// PassthroughClient treats text/plain payloads as ready-made transcripts.
// It lets local runs exercise the pipeline without a speech provider.
type PassthroughClient struct {
	// Fallback handles real audio. Nil rejects it.
	Fallback Client
}

// Transcribe returns text payloads unchanged and forwards audio to Fallback.
func (c PassthroughClient) Transcribe(ctx context.Context, audio Audio) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := Validate(audio); err != nil {
		return "", err
	}
	if MediaType(audio.ContentType) == "text/plain" {
		if !utf8.Valid(audio.Data) {
			return "", retry.Permanent(errors.New("transcript is not valid UTF-8"))
		}
		return strings.TrimSpace(string(audio.Data)), nil
	}
	if c.Fallback == nil {
		return "", retry.Permanent(fmt.Errorf("%w: %s (no speech provider configured)", ErrUnsupportedFormat, audio.ContentType))
	}
	return c.Fallback.Transcribe(ctx, audio)
}

// PlaceholderClient is a stub used when no provider is configured.
type PlaceholderClient struct{}

// Transcribe returns ErrNotImplemented.
func (PlaceholderClient) Transcribe(ctx context.Context, audio Audio) (string, error) {
	_ = ctx
	_ = audio
	return "", ErrNotImplemented
}
