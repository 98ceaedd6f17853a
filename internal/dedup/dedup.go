// Package dedup suppresses repeated sends of the same logical notification
// within a short window.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// DefaultWindow is the default suppression window.
const DefaultWindow = 5 * time.Minute

// SendRecord describes a confirmed send.
type SendRecord struct {
	// Slot is the scheduled instant the notification covered. Records with
	// the same key and slot are stored once.
	Slot          time.Time
	SentAt        time.Time
	CorrelationID string
	MessageID     string
}

// Store persists send records.
type Store interface {
	// LastSent returns the most recent send time for key.
	LastSent(ctx context.Context, key domain.DedupKey) (time.Time, bool, error)
	// SentForSlot returns when the send covering slot was recorded for key.
	SentForSlot(ctx context.Context, key domain.DedupKey, slot time.Time) (time.Time, bool, error)
	// Record stores a send. A record with the same key and slot is ignored.
	Record(ctx context.Context, key domain.DedupKey, rec SendRecord) error
}

// Deduplicator gates candidates on recent send records.
type Deduplicator struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// New creates a deduplicator over store with the given window.
func New(store Store, window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduplicator{
		store:  store,
		window: window,
		now:    time.Now,
	}
}

// Window returns the suppression window.
func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// ShouldSend returns false only when a send for key was recorded less than
// the window ago. Store errors permit the send.
func (d *Deduplicator) ShouldSend(ctx context.Context, key domain.DedupKey) bool {
	last, ok, err := d.store.LastSent(ctx, key)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("dedup lookup failed, allowing send",
			"subject_id", key.SubjectID,
			"kind", key.Kind,
			"protocol_id", key.ProtocolID,
			"error", err,
		)
		return true
	}
	if !ok {
		return true
	}
	return d.now().Sub(last) >= d.window
}

// RecordSent stores a confirmed send for key. Call it only after delivery
// succeeded.
func (d *Deduplicator) RecordSent(ctx context.Context, key domain.DedupKey, rec SendRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = d.now()
	}
	if rec.Slot.IsZero() {
		rec.Slot = rec.SentAt.Truncate(time.Minute)
	}
	if rec.CorrelationID == "" {
		rec.CorrelationID = ctxlog.CorrelationID(ctx)
	}

	if err := d.store.Record(ctx, key, rec); err != nil {
		return fmt.Errorf("record sent %s/%s: %w", key.SubjectID, key.Kind, err)
	}
	return nil
}

// LastSent returns the most recent recorded send for key.
func (d *Deduplicator) LastSent(ctx context.Context, key domain.DedupKey) (time.Time, bool, error) {
	last, ok, err := d.store.LastSent(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last sent %s/%s: %w", key.SubjectID, key.Kind, err)
	}
	return last, ok, nil
}

// SentForSlot returns when the notification for key covering slot was sent.
func (d *Deduplicator) SentForSlot(ctx context.Context, key domain.DedupKey, slot time.Time) (time.Time, bool, error) {
	sentAt, ok, err := d.store.SentForSlot(ctx, key, slot)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sent for slot %s/%s: %w", key.SubjectID, key.Kind, err)
	}
	return sentAt, ok, nil
}
