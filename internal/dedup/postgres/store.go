// Package postgres stores send records in the notification_log table.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/dedup"
	"github.com/bissquit/medication-reminders/internal/domain"
	pgutil "github.com/bissquit/medication-reminders/internal/pkg/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements dedup.Store using PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL dedup store.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// LastSent implements dedup.Store.
func (s *Store) LastSent(ctx context.Context, key domain.DedupKey) (time.Time, bool, error) {
	query := `
		SELECT MAX(sent_at)
		FROM notification_log
		WHERE subject_id = $1 AND kind = $2 AND protocol_id = $3
	`
	var last *time.Time
	if err := s.db.QueryRow(ctx, query, key.SubjectID, string(key.Kind), key.ProtocolID).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("query last sent: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// SentForSlot implements dedup.Store.
func (s *Store) SentForSlot(ctx context.Context, key domain.DedupKey, slot time.Time) (time.Time, bool, error) {
	query := `
		SELECT sent_at
		FROM notification_log
		WHERE subject_id = $1 AND kind = $2 AND protocol_id = $3 AND slot = $4
	`
	var sentAt time.Time
	err := s.db.QueryRow(ctx, query, key.SubjectID, string(key.Kind), key.ProtocolID, slot).Scan(&sentAt)
	if pgutil.IsNoRows(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query sent for slot: %w", err)
	}
	return sentAt, true, nil
}

// Record implements dedup.Store. The unique (subject_id, kind, protocol_id,
// slot) constraint turns a concurrent duplicate into a no-op.
func (s *Store) Record(ctx context.Context, key domain.DedupKey, rec dedup.SendRecord) error {
	query := `
		INSERT INTO notification_log (subject_id, kind, protocol_id, slot, sent_at, correlation_id, message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_id, kind, protocol_id, slot) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		key.SubjectID,
		string(key.Kind),
		key.ProtocolID,
		rec.Slot,
		rec.SentAt,
		rec.CorrelationID,
		rec.MessageID,
	)
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// Cleanup deletes records sent before cutoff and returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM notification_log WHERE sent_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old notification log: %w", err)
	}
	return tag.RowsAffected(), nil
}
