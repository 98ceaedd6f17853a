package deadletter

import (
	"context"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
)

// EnqueueParams is the row written by an upsert.
type EnqueueParams struct {
	Candidate     domain.NotificationCandidate
	ErrorCode     string
	ErrorMessage  string
	ErrorCategory domain.ErrorCategory
	RetryCount    int
	CorrelationID string
}

// ListFilter selects dead letter entries for listing.
type ListFilter struct {
	Status    domain.DeadLetterStatus // empty means any
	SubjectID string                  // empty means any
	Limit     int
	Offset    int
}

// FailureUpdate describes a failed manual or automatic redelivery.
type FailureUpdate struct {
	ErrorCode     string
	ErrorMessage  string
	ErrorCategory domain.ErrorCategory
}

// Repository defines the data access interface for dead letters.
//
// Conditional updates report whether a row was changed; the caller decides
// what an unchanged row means.
type Repository interface {
	// Upsert inserts an entry, or updates the live (pending or retrying)
	// entry of the same (subject, protocol, kind) and sets it to pending.
	Upsert(ctx context.Context, p EnqueueParams) (string, error)
	// MarkRetrying moves a pending entry to retrying.
	MarkRetrying(ctx context.Context, id string) (bool, error)
	// Close moves a pending or retrying entry to a terminal status.
	Close(ctx context.Context, id string, status domain.DeadLetterStatus, notes string) (bool, error)
	// RequeueAfterFailure moves a retrying entry back to pending, bumping retry_count.
	RequeueAfterFailure(ctx context.Context, id string, f FailureUpdate) (bool, error)
	// RequeueStale moves entries retrying since before cutoff back to pending.
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)

	Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	List(ctx context.Context, filter ListFilter) ([]domain.DeadLetterEntry, int, error)
	Stats(ctx context.Context) (*domain.DeadLetterStats, error)
	PendingForAutoRetry(ctx context.Context, maxRetryCount, limit int) ([]domain.DeadLetterEntry, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountUnresolved(ctx context.Context) (int, error)
}
