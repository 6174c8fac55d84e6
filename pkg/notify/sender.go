package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

var (
	// ErrInvalidConfig is returned when a sender is built without required settings
	ErrInvalidConfig = errors.New("invalid notify config")

	// ErrFailedToSend wraps every delivery failure
	ErrFailedToSend = errors.New("failed to send email")
)

// Message is one transactional email
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Tag     string
}

// Sender delivers a message
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// PostmarkConfig holds the Postmark credentials and sender identity
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
}

// PostmarkSender sends through Postmark's transactional API
type PostmarkSender struct {
	client *postmark.Client
	from   string
}

// NewPostmarkSender creates a Postmark-backed sender. The server token and sender
// address are required; the account token is only used by account-level calls.
func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: postmark server token is required", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		from:   cfg.From,
	}, nil
}

// Send implements Sender
func (s *PostmarkSender) Send(ctx context.Context, msg Message) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.from,
		To:         msg.To,
		Subject:    msg.Subject,
		Tag:        msg.Tag,
		HTMLBody:   msg.HTML,
		TextBody:   msg.Text,
		TrackOpens: true,
	})
	if err != nil {
		return errors.Join(ErrFailedToSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSend, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

// LogSender writes messages to the logger instead of delivering them (local development)
type LogSender struct {
	Logger membership.Logger
}

// Send implements Sender
func (s *LogSender) Send(_ context.Context, msg Message) error {
	if s.Logger != nil {
		s.Logger.Info("email not sent (log sender)",
			membership.F("to", msg.To), membership.F("subject", msg.Subject), membership.F("tag", msg.Tag))
	}
	return nil
}
