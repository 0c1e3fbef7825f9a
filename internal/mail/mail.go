// Package mail delivers outbound mission emails.
package mail

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

var ErrRejected = errors.New("mail provider rejected message")

type Message struct {
	From    string
	ReplyTo string
	To      string
	Subject string
	HTML    string
	Tag     string
}

// Sender hands one message to a provider and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// LogSender accepts every message and only logs it. Used for local play.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) (string, error) {
	id := "log-" + uuid.NewString()
	logger := s.Log
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail not delivered (log driver)", "message_id", id, "to", msg.To, "subject", msg.Subject, "tag", msg.Tag)
	return id, nil
}
