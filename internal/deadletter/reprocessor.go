package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// ReprocessorConfig holds automatic reprocessing settings.
type ReprocessorConfig struct {
	BatchSize int
	// StaleAfter is how long an entry may stay retrying before it is
	// returned to pending.
	StaleAfter time.Duration
}

// ReprocessResult summarizes one reprocessing pass.
type ReprocessResult struct {
	Requeued  int64
	Attempted int
	Resolved  int
	Failed    int
	Skipped   int
}

// Reprocessor replays pending entries below the automatic retry ceiling.
// It is not scheduled by itself; the caller decides when to run it.
type Reprocessor struct {
	service *Service
	config  ReprocessorConfig
}

// NewReprocessor creates a new reprocessor.
func NewReprocessor(service *Service, config ReprocessorConfig) *Reprocessor {
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 15 * time.Minute
	}
	return &Reprocessor{service: service, config: config}
}

// Run performs one pass. Each entry is retried under its own correlation id.
func (p *Reprocessor) Run(ctx context.Context) (ReprocessResult, error) {
	var result ReprocessResult
	logger := ctxlog.FromContext(ctx)

	requeued, err := p.service.RequeueStale(ctx, p.config.StaleAfter)
	if err != nil {
		logger.Error("failed to requeue stale dead letters", "error", err)
	}
	result.Requeued = requeued

	entries, err := p.service.PendingForAutoRetry(ctx, p.config.BatchSize)
	if err != nil {
		return result, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++

		entryCtx := ctxlog.WithCorrelationID(ctx, ctxlog.NewCorrelationID())
		_, err := p.service.Retry(entryCtx, entry.ID)
		switch {
		case err == nil:
			result.Resolved++
		case errors.Is(err, ErrNotPending), errors.Is(err, ErrNotFound):
			// Claimed or closed by someone else since the listing.
			result.Skipped++
		default:
			result.Failed++
			ctxlog.FromContext(entryCtx).Warn("automatic redelivery failed",
				"dead_letter_id", entry.ID,
				"retry_count", entry.RetryCount+1,
				"error", err,
			)
		}
	}

	if result.Attempted > 0 || result.Requeued > 0 {
		logger.Info("dead letter reprocessing finished",
			"attempted", result.Attempted,
			"resolved", result.Resolved,
			"failed", result.Failed,
			"skipped", result.Skipped,
			"requeued", result.Requeued,
		)
	}
	return result, nil
}
