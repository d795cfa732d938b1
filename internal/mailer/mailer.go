package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"lab-backend/internal/shared/retry"
	"lab-backend/internal/shared/telemetry"
)

// Message is one outbound email.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
	Tags    map[string]string
}

// Client abstracts email delivery providers. Send returns the provider message id.
type Client interface {
	Send(ctx context.Context, msg Message) (string, error)
}

var (
	ErrNotConfigured  = errors.New("mailer not configured")
	ErrNoRecipients   = errors.New("message has no recipients")
	ErrInvalidAddress = errors.New("invalid email address")
)

// Validate checks a message before it is handed to a provider. Errors are permanent.
func Validate(msg Message) error {
	if len(msg.To) == 0 {
		return retry.Permanent(ErrNoRecipients)
	}
	for _, addr := range msg.To {
		if _, err := mail.ParseAddress(addr); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %q", ErrInvalidAddress, addr))
		}
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return retry.Permanent(errors.New("message subject is empty"))
	}
	if strings.TrimSpace(msg.HTML) == "" && strings.TrimSpace(msg.Text) == "" {
		return retry.Permanent(errors.New("message body is empty"))
	}
	return nil
}

// LogClient logs messages instead of sending them. Used in local environments.
type LogClient struct {
	From string
}

// Send logs the message and returns a synthetic id.
func (c LogClient) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := Validate(msg); err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	telemetry.Info("mailer.send", map[string]any{
		"provider":   "log",
		"message_id": id,
		"from":       c.From,
		"to":         msg.To,
		"subject":    msg.Subject,
		"html_bytes": len(msg.HTML),
		"text_bytes": len(msg.Text),
		"tags":       msg.Tags,
	})
	return id, nil
}

var _ Client = LogClient{}
