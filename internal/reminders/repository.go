package reminders

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
)

// ErrRecipientNotFound is returned when a subject has no linked chat.
var ErrRecipientNotFound = errors.New("recipient not found")

// Repository is the read side of the record-keeping collaborator.
type Repository interface {
	// ListLinkedRecipients returns every user with a chat link configured.
	ListLinkedRecipients(ctx context.Context) ([]domain.Recipient, error)
	// GetRecipient returns the linked recipient of a subject.
	GetRecipient(ctx context.Context, subjectID string) (*domain.Recipient, error)
	// ListActiveSchedules returns the active protocols of a subject with their dose times.
	ListActiveSchedules(ctx context.Context, subjectID string) ([]domain.Schedule, error)
	// IsDoseLogged reports whether the dose of a protocol for the exact slot was logged.
	IsDoseLogged(ctx context.Context, protocolID string, slot time.Time) (bool, error)
	// ListLowStock returns medicines whose supply falls under their threshold.
	ListLowStock(ctx context.Context, subjectID string) ([]domain.StockItem, error)
	// AdherenceSummary counts scheduled and taken doses in [from, to).
	AdherenceSummary(ctx context.Context, subjectID string, from, to time.Time) (domain.Adherence, error)
	// ListTitrationsDue returns titration steps that take effect on the given date.
	ListTitrationsDue(ctx context.Context, subjectID string, day time.Time) ([]domain.Titration, error)
}
