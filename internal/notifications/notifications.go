// Package notifications renders reminder messages and hands them to chat senders.
package notifications

import (
	"context"

	"github.com/bissquit/medication-reminders/internal/domain"
)

// Notification is a rendered message addressed to one chat target.
type Notification struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers notifications over one channel type.
// Send returns the provider message id. Failures are returned as
// *delivery.SendError so callers can classify them.
type Sender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, notification Notification) (string, error)
}
