package notifications

import (
	"context"
	"fmt"

	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// Dispatcher routes notifications to the sender of the recipient's channel.
type Dispatcher struct {
	senders map[domain.ChannelType]Sender
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(senders ...Sender) *Dispatcher {
	senderMap := make(map[domain.ChannelType]Sender)
	for _, s := range senders {
		senderMap[s.Type()] = s
	}
	return &Dispatcher{senders: senderMap}
}

// Supports reports whether a sender is registered for the channel type.
func (d *Dispatcher) Supports(channelType domain.ChannelType) bool {
	_, ok := d.senders[channelType]
	return ok
}

// Send delivers one message to the recipient and returns the provider message id.
func (d *Dispatcher) Send(ctx context.Context, recipient domain.Recipient, subject, body string) (string, error) {
	sender, ok := d.senders[recipient.ChannelType]
	if !ok {
		return "", delivery.NewSendError(domain.ErrorCategoryBadRequest, "NO_SENDER",
			fmt.Sprintf("no sender for channel type %q", recipient.ChannelType))
	}
	if recipient.ChatTarget == "" {
		return "", delivery.NewSendError(domain.ErrorCategoryInvalidChat, "NO_TARGET", "recipient has no chat target")
	}

	messageID, err := sender.Send(ctx, Notification{
		To:      recipient.ChatTarget,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		ctxlog.FromContext(ctx).Debug("send attempt failed",
			"channel_type", recipient.ChannelType,
			"subject_id", recipient.SubjectID,
			"error", err,
		)
		return "", err
	}
	return messageID, nil
}
