// Package postgres implements the dead letter repository on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/medication-reminders/internal/deadletter"
	"github.com/bissquit/medication-reminders/internal/domain"
	pgutil "github.com/bissquit/medication-reminders/internal/pkg/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `
	id, subject_id, protocol_id, kind, payload, error_code, error_message,
	error_category, retry_count, correlation_id, status, created_at,
	updated_at, resolved_at, resolution_notes`

// Repository implements deadletter.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Upsert implements deadletter.Repository. Concurrent upserts of the same
// logical notification serialize on the partial unique index.
func (r *Repository) Upsert(ctx context.Context, p deadletter.EnqueueParams) (string, error) {
	payload, err := json.Marshal(p.Candidate)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO dead_letters (
			subject_id, protocol_id, kind, payload, error_code, error_message,
			error_category, retry_count, correlation_id, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
		ON CONFLICT (subject_id, protocol_id, kind) WHERE status IN ('pending', 'retrying')
		DO UPDATE SET
			payload = EXCLUDED.payload,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			error_category = EXCLUDED.error_category,
			retry_count = EXCLUDED.retry_count,
			correlation_id = EXCLUDED.correlation_id,
			status = 'pending',
			updated_at = NOW()
		RETURNING id
	`
	var id string
	err = r.db.QueryRow(ctx, query,
		p.Candidate.SubjectID,
		p.Candidate.ProtocolID,
		string(p.Candidate.Kind),
		payload,
		p.ErrorCode,
		p.ErrorMessage,
		string(p.ErrorCategory),
		p.RetryCount,
		p.CorrelationID,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert dead letter: %w", err)
	}
	return id, nil
}

// MarkRetrying implements deadletter.Repository.
func (r *Repository) MarkRetrying(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE dead_letters
		SET status = 'retrying', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark retrying: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Close implements deadletter.Repository.
func (r *Repository) Close(ctx context.Context, id string, status domain.DeadLetterStatus, notes string) (bool, error) {
	var notesArg *string
	if notes != "" {
		notesArg = &notes
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE dead_letters
		SET status = $2, resolved_at = NOW(), updated_at = NOW(),
		    resolution_notes = COALESCE($3, resolution_notes)
		WHERE id = $1 AND status IN ('pending', 'retrying')
	`, id, string(status), notesArg)
	if err != nil {
		return false, fmt.Errorf("close dead letter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueAfterFailure implements deadletter.Repository.
func (r *Repository) RequeueAfterFailure(ctx context.Context, id string, f deadletter.FailureUpdate) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE dead_letters
		SET status = 'pending',
		    retry_count = retry_count + 1,
		    error_code = $2,
		    error_message = $3,
		    error_category = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'retrying'
	`, id, f.ErrorCode, f.ErrorMessage, string(f.ErrorCategory))
	if err != nil {
		return false, fmt.Errorf("requeue after failure: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueStale implements deadletter.Repository.
func (r *Repository) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE dead_letters
		SET status = 'pending', retry_count = retry_count + 1, updated_at = NOW()
		WHERE status = 'retrying' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get implements deadletter.Repository.
func (r *Repository) Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM dead_letters WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if pgutil.IsNoRows(err) {
			return nil, deadletter.ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return entry, nil
}

// List implements deadletter.Repository.
func (r *Repository) List(ctx context.Context, filter deadletter.ListFilter) ([]domain.DeadLetterEntry, int, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		conds = append(conds, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM dead_letters%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		entryColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Stats implements deadletter.Repository.
func (r *Repository) Stats(ctx context.Context) (*domain.DeadLetterStats, error) {
	stats := &domain.DeadLetterStats{
		ByStatus:   make(map[domain.DeadLetterStatus]int),
		ByCategory: make(map[domain.ErrorCategory]int),
	}

	rows, err := r.db.Query(ctx, `
		SELECT status, error_category, COUNT(*)
		FROM dead_letters
		GROUP BY status, error_category
	`)
	if err != nil {
		return nil, fmt.Errorf("query dead letter stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status, category string
			count            int
		)
		if err := rows.Scan(&status, &category, &count); err != nil {
			return nil, fmt.Errorf("scan dead letter stats: %w", err)
		}
		s := domain.DeadLetterStatus(status)
		stats.ByStatus[s] += count
		if !s.IsTerminal() {
			stats.ByCategory[domain.ErrorCategory(category)] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter stats: %w", err)
	}

	var oldestAge *float64
	err = r.db.QueryRow(ctx, `
		SELECT EXTRACT(EPOCH FROM (NOW() - MIN(created_at)))::float8
		FROM dead_letters
		WHERE status IN ('pending', 'retrying')
	`).Scan(&oldestAge)
	if err != nil {
		return nil, fmt.Errorf("query oldest dead letter: %w", err)
	}
	if oldestAge != nil {
		stats.OldestUnresolvedAge = time.Duration(*oldestAge * float64(time.Second))
	}
	return stats, nil
}

// PendingForAutoRetry implements deadletter.Repository.
func (r *Repository) PendingForAutoRetry(ctx context.Context, maxRetryCount, limit int) ([]domain.DeadLetterEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM dead_letters
		WHERE status = 'pending' AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, maxRetryCount, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending dead letters: %w", err)
	}
	return collectEntries(rows)
}

// DeleteClosedBefore implements deadletter.Repository.
func (r *Repository) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM dead_letters
		WHERE status IN ('resolved', 'discarded') AND COALESCE(resolved_at, updated_at) < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete closed dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountUnresolved implements deadletter.Repository.
func (r *Repository) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters WHERE status IN ('pending', 'retrying')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unresolved dead letters: %w", err)
	}
	return n, nil
}

func collectEntries(rows pgx.Rows) ([]domain.DeadLetterEntry, error) {
	defer rows.Close()

	var entries []domain.DeadLetterEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*domain.DeadLetterEntry, error) {
	var (
		e                      domain.DeadLetterEntry
		protocolID             string
		kind, category, status string
		payload                []byte
	)
	err := row.Scan(
		&e.ID,
		&e.SubjectID,
		&protocolID,
		&kind,
		&payload,
		&e.ErrorCode,
		&e.ErrorMessage,
		&category,
		&e.RetryCount,
		&e.CorrelationID,
		&status,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.ResolvedAt,
		&e.ResolutionNotes,
	)
	if err != nil {
		return nil, err
	}

	if protocolID != "" {
		e.ProtocolID = &protocolID
	}
	e.Kind = domain.NotificationKind(kind)
	e.ErrorCategory = domain.ErrorCategory(category)
	e.Status = domain.DeadLetterStatus(status)
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &e, nil
}
