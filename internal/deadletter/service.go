// Package deadletter records notifications whose automatic delivery did not
// succeed and mediates their remediation.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// Defaults.
const (
	DefaultAutoRetryCeiling = 5
	DefaultRetentionDays    = 30
	DefaultListLimit        = 20
	MaxListLimit            = 100
)

// SizeRecorder receives the current number of unresolved entries.
type SizeRecorder interface {
	SetDLQSize(n int)
}

// Redeliverer sends a stored candidate once.
type Redeliverer interface {
	Redeliver(ctx context.Context, candidate domain.NotificationCandidate) (messageID string, err error)
}

// RetryOutcome is the result of a successful manual retry.
type RetryOutcome struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
}

// Service implements dead letter business logic.
type Service struct {
	repo             Repository
	size             SizeRecorder
	redeliverer      Redeliverer
	autoRetryCeiling int
	now              func() time.Time
}

// NewService creates a new dead letter service. size may be nil.
func NewService(repo Repository, size SizeRecorder) *Service {
	return &Service{
		repo:             repo,
		size:             size,
		autoRetryCeiling: DefaultAutoRetryCeiling,
		now:              time.Now,
	}
}

// SetRedeliverer wires the delivery path used by Retry.
func (s *Service) SetRedeliverer(r Redeliverer) {
	s.redeliverer = r
}

// SetAutoRetryCeiling sets the retry count at which automatic reprocessing
// stops picking an entry.
func (s *Service) SetAutoRetryCeiling(n int) {
	if n > 0 {
		s.autoRetryCeiling = n
	}
}

// Enqueue records a terminal delivery failure. A live entry for the same
// (subject, protocol, kind) is updated in place and reset to pending.
// The returned error must not be ignored: a lost write drops the notification.
func (s *Service) Enqueue(ctx context.Context, candidate domain.NotificationCandidate, sendErr error, retryCount int, correlationID string) (string, error) {
	if correlationID == "" {
		correlationID = candidate.CorrelationID
	}
	if correlationID == "" {
		correlationID = ctxlog.CorrelationID(ctx)
	}

	params := EnqueueParams{
		Candidate:     candidate,
		ErrorCode:     delivery.ErrorCode(sendErr),
		ErrorMessage:  errorMessage(sendErr),
		ErrorCategory: delivery.Classify(sendErr),
		RetryCount:    max(retryCount, 0),
		CorrelationID: correlationID,
	}
	if params.ErrorCategory == domain.ErrorCategoryNone {
		params.ErrorCategory = domain.ErrorCategoryUnknown
	}

	id, err := s.repo.Upsert(ctx, params)
	if err != nil {
		return "", fmt.Errorf("enqueue dead letter for %s/%s: %w", candidate.SubjectID, candidate.Kind, err)
	}

	ctxlog.FromContext(ctx).Warn("notification dead-lettered",
		"dead_letter_id", id,
		"subject_id", candidate.SubjectID,
		"kind", candidate.Kind,
		"error_category", params.ErrorCategory,
		"error_code", params.ErrorCode,
		"retry_count", params.RetryCount,
	)
	s.RefreshSize(ctx)
	return id, nil
}

// MarkForRetry claims a pending entry for redelivery. It fails with
// ErrNotPending when the entry is in any other status and leaves it unchanged.
func (s *Service) MarkForRetry(ctx context.Context, id string) error {
	ok, err := s.repo.MarkRetrying(ctx, id)
	if err != nil {
		return fmt.Errorf("mark dead letter %s for retry: %w", id, err)
	}
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	s.RefreshSize(ctx)
	return nil
}

// Resolve closes a pending or retrying entry.
func (s *Service) Resolve(ctx context.Context, id string, resolution domain.Resolution, notes string) error {
	status := resolution.Status()
	ok, err := s.repo.Close(ctx, id, status, notes)
	if err != nil {
		return fmt.Errorf("resolve dead letter %s: %w", id, err)
	}
	if !ok {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyClosed
	}

	ctxlog.FromContext(ctx).Info("dead letter closed",
		"dead_letter_id", id,
		"resolution", resolution,
		"status", status,
	)
	s.RefreshSize(ctx)
	return nil
}

// Discard closes an entry as discarded and returns it.
func (s *Service) Discard(ctx context.Context, id, reason string) (*domain.DeadLetterEntry, error) {
	if err := s.Resolve(ctx, id, domain.ResolutionDiscarded, reason); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// RecordRetryFailure returns a retrying entry to pending with retry_count
// incremented and the latest error.
func (s *Service) RecordRetryFailure(ctx context.Context, id string, sendErr error) error {
	category := delivery.Classify(sendErr)
	if category == domain.ErrorCategoryNone {
		category = domain.ErrorCategoryUnknown
	}

	ok, err := s.repo.RequeueAfterFailure(ctx, id, FailureUpdate{
		ErrorCode:     delivery.ErrorCode(sendErr),
		ErrorMessage:  errorMessage(sendErr),
		ErrorCategory: category,
	})
	if err != nil {
		return fmt.Errorf("record retry failure for %s: %w", id, err)
	}
	if !ok {
		ctxlog.FromContext(ctx).Warn("dead letter changed during retry", "dead_letter_id", id)
	}
	s.RefreshSize(ctx)
	return nil
}

// Retry redelivers a pending entry once. On success the entry is resolved;
// on failure it goes back to pending with retry_count incremented and the
// send error is returned wrapped in ErrRetryFailed.
func (s *Service) Retry(ctx context.Context, id string) (*RetryOutcome, error) {
	if s.redeliverer == nil {
		return nil, ErrNoRedeliverer
	}

	entry, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.MarkForRetry(ctx, id); err != nil {
		return nil, err
	}

	logger := ctxlog.FromContext(ctx).With(
		"dead_letter_id", id,
		"original_correlation_id", entry.CorrelationID,
	)
	logger.Info("redelivering dead letter", "retry_count", entry.RetryCount)

	messageID, sendErr := s.redeliverer.Redeliver(ctx, entry.Payload)
	if sendErr != nil {
		if err := s.RecordRetryFailure(ctx, id, sendErr); err != nil {
			logger.Error("failed to record retry failure", "error", err)
		}
		return nil, fmt.Errorf("%w: %w", ErrRetryFailed, sendErr)
	}

	if err := s.Resolve(ctx, id, domain.ResolutionSuccess, "redelivered"); err != nil {
		// The message went out; the entry may have been discarded meanwhile.
		logger.Warn("redelivered but could not resolve entry", "error", err)
	}
	return &RetryOutcome{Success: true, MessageID: messageID}, nil
}

// Get returns an entry by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return entry, nil
}

// List returns a page of entries and the total matching count.
// The limit is clamped to [1, MaxListLimit], defaulting to DefaultListLimit.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]domain.DeadLetterEntry, int, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, 0, ErrInvalidStatus
	}
	filter.Limit = ClampLimit(filter.Limit)
	filter.Offset = max(filter.Offset, 0)

	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	return entries, total, nil
}

// ListForSubject returns the most recent entries of one subject.
func (s *Service) ListForSubject(ctx context.Context, subjectID string, limit int, status domain.DeadLetterStatus) ([]domain.DeadLetterEntry, error) {
	entries, _, err := s.List(ctx, ListFilter{
		SubjectID: subjectID,
		Status:    status,
		Limit:     limit,
	})
	return entries, err
}

// Stats aggregates the queue and refreshes the size gauge.
func (s *Service) Stats(ctx context.Context) (*domain.DeadLetterStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("dead letter stats: %w", err)
	}
	if s.size != nil {
		s.size.SetDLQSize(stats.Unresolved())
	}
	return stats, nil
}

// PendingForAutoRetry returns pending entries below the automatic retry
// ceiling, oldest first.
func (s *Service) PendingForAutoRetry(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	entries, err := s.repo.PendingForAutoRetry(ctx, s.autoRetryCeiling, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("pending dead letters: %w", err)
	}
	return entries, nil
}

// Cleanup deletes resolved and discarded entries older than daysToKeep days.
func (s *Service) Cleanup(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -daysToKeep)

	n, err := s.repo.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup dead letters: %w", err)
	}
	if n > 0 {
		ctxlog.FromContext(ctx).Info("dead letters cleaned up", "deleted", n, "cutoff", cutoff)
	}
	s.RefreshSize(ctx)
	return n, nil
}

// RequeueStale returns entries stuck in retrying for longer than olderThan
// to pending.
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repo.RequeueStale(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("requeue stale dead letters: %w", err)
	}
	if n > 0 {
		ctxlog.FromContext(ctx).Warn("stale retrying dead letters requeued", "count", n)
		s.RefreshSize(ctx)
	}
	return n, nil
}

// RefreshSize updates the size gauge from the repository. Errors are logged.
func (s *Service) RefreshSize(ctx context.Context) {
	if s.size == nil {
		return
	}
	n, err := s.repo.CountUnresolved(ctx)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to refresh dead letter size", "error", err)
		return
	}
	s.size.SetDLQSize(n)
}

// ClampLimit clamps a page size to [1, MaxListLimit]; zero means the default.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultListLimit
	case limit < 1:
		return 1
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	var sendErr *delivery.SendError
	if errors.As(err, &sendErr) {
		return sendErr.Message
	}
	return err.Error()
}
