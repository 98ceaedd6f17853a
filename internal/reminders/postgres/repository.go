// Package postgres reads recipients, schedules and dose records from PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	pgutil "github.com/bissquit/medication-reminders/internal/pkg/postgres"
	"github.com/bissquit/medication-reminders/internal/reminders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recipientColumns = `subject_id, name, channel_type, chat_target, timezone, digest_time`

// Repository implements reminders.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanRecipient(row pgx.Row) (domain.Recipient, error) {
	var r domain.Recipient
	var channel string
	err := row.Scan(&r.SubjectID, &r.Name, &channel, &r.ChatTarget, &r.Timezone, &r.DigestTime)
	r.ChannelType = domain.ChannelType(channel)
	return r, err
}

// ListLinkedRecipients implements reminders.Repository.
func (r *Repository) ListLinkedRecipients(ctx context.Context) ([]domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE chat_target <> '' ORDER BY subject_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	recipients := make([]domain.Recipient, 0)
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return recipients, nil
}

// GetRecipient implements reminders.Repository.
func (r *Repository) GetRecipient(ctx context.Context, subjectID string) (*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE subject_id = $1 AND chat_target <> ''`

	rec, err := scanRecipient(r.db.QueryRow(ctx, query, subjectID))
	if err != nil {
		if pgutil.IsNoRows(err) {
			return nil, reminders.ErrRecipientNotFound
		}
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return &rec, nil
}

// ListActiveSchedules implements reminders.Repository.
func (r *Repository) ListActiveSchedules(ctx context.Context, subjectID string) ([]domain.Schedule, error) {
	query := `
		SELECT p.id::text, p.subject_id, p.medicine_name, p.dosage, p.active,
		       COALESCE(array_agg(t.time_of_day ORDER BY t.time_of_day)
		                FILTER (WHERE t.time_of_day IS NOT NULL), '{}')
		FROM protocols p
		LEFT JOIN protocol_times t ON t.protocol_id = p.id
		WHERE p.subject_id = $1 AND p.active
		GROUP BY p.id
		ORDER BY p.created_at
	`
	rows, err := r.db.Query(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	schedules := make([]domain.Schedule, 0)
	for rows.Next() {
		var s domain.Schedule
		if err := rows.Scan(&s.ProtocolID, &s.SubjectID, &s.MedicineName, &s.Dosage, &s.Active, &s.Times); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return schedules, nil
}

// IsDoseLogged implements reminders.Repository.
func (r *Repository) IsDoseLogged(ctx context.Context, protocolID string, slot time.Time) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM dose_logs WHERE protocol_id = $1::uuid AND scheduled_at = $2)`

	var logged bool
	if err := r.db.QueryRow(ctx, query, protocolID, slot).Scan(&logged); err != nil {
		return false, fmt.Errorf("check dose log: %w", err)
	}
	return logged, nil
}

// ListLowStock implements reminders.Repository.
func (r *Repository) ListLowStock(ctx context.Context, subjectID string) ([]domain.StockItem, error) {
	query := `
		SELECT medicine_name, remaining::float8, FLOOR(remaining / daily_usage)::int AS days_remaining
		FROM stock_items
		WHERE subject_id = $1
		  AND daily_usage > 0
		  AND remaining / daily_usage < low_threshold_days
		ORDER BY days_remaining, medicine_name
	`
	rows, err := r.db.Query(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	items := make([]domain.StockItem, 0)
	for rows.Next() {
		var item domain.StockItem
		if err := rows.Scan(&item.MedicineName, &item.Remaining, &item.DaysRemaining); err != nil {
			return nil, fmt.Errorf("scan stock item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock: %w", err)
	}
	return items, nil
}

// AdherenceSummary implements reminders.Repository. Scheduled doses are the
// active dose times multiplied by the number of days in [from, to).
func (r *Repository) AdherenceSummary(ctx context.Context, subjectID string, from, to time.Time) (domain.Adherence, error) {
	query := `
		SELECT
			(SELECT COUNT(*)
			 FROM protocols p
			 JOIN protocol_times t ON t.protocol_id = p.id
			 WHERE p.subject_id = $1 AND p.active)
			* GREATEST(CEIL(EXTRACT(EPOCH FROM ($3::timestamptz - $2::timestamptz)) / 86400), 0)::int,
			(SELECT COUNT(*)
			 FROM dose_logs
			 WHERE subject_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3)
	`
	a := domain.Adherence{From: from, To: to}
	if err := r.db.QueryRow(ctx, query, subjectID, from, to).Scan(&a.Scheduled, &a.Taken); err != nil {
		return domain.Adherence{}, fmt.Errorf("query adherence: %w", err)
	}
	return a, nil
}

// ListTitrationsDue implements reminders.Repository.
func (r *Repository) ListTitrationsDue(ctx context.Context, subjectID string, day time.Time) ([]domain.Titration, error) {
	query := `
		SELECT s.protocol_id::text, p.medicine_name, s.new_dosage, s.effective_on
		FROM titration_steps s
		JOIN protocols p ON p.id = s.protocol_id
		WHERE p.subject_id = $1 AND p.active AND s.effective_on = $2::date
		ORDER BY p.medicine_name
	`
	rows, err := r.db.Query(ctx, query, subjectID, day.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("query titrations: %w", err)
	}
	defer rows.Close()

	titrations := make([]domain.Titration, 0)
	for rows.Next() {
		var t domain.Titration
		if err := rows.Scan(&t.ProtocolID, &t.MedicineName, &t.NewDosage, &t.EffectiveOn); err != nil {
			return nil, fmt.Errorf("scan titration: %w", err)
		}
		titrations = append(titrations, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate titrations: %w", err)
	}
	return titrations, nil
}
