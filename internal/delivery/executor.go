package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
)

// SendFunc performs one delivery attempt and returns the provider message id.
type SendFunc func(ctx context.Context) (messageID string, err error)

// Recorder receives delivery metrics. Implementations must not block or panic.
type Recorder interface {
	RecordSuccess(latency time.Duration)
	RecordFailure(category domain.ErrorCategory, retryable bool)
	RecordRetry(attempt int)
	RecordRateLimitHit()
}

// RetryResult is the outcome of Execute.
type RetryResult struct {
	Success   bool
	Attempts  int
	MessageID string
	Err       error
	Category  domain.ErrorCategory
	Outcomes  []domain.DeliveryOutcome
}

// Executor runs a send function with exponential backoff.
type Executor struct {
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a new executor reporting to recorder (may be nil).
func NewExecutor(recorder Recorder) *Executor {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Executor{
		recorder: recorder,
		sleep:    sleepContext,
	}
}

// Execute attempts delivery until it succeeds, fails permanently, runs out
// of attempts or ctx is cancelled. Exactly one terminal outcome (success or
// failure) is recorded per call.
func (e *Executor) Execute(ctx context.Context, send SendFunc, policy Policy) RetryResult {
	policy = policy.normalized()
	logger := ctxlog.FromContext(ctx)

	var result RetryResult
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		messageID, outcome, err := e.attempt(ctx, send, policy)
		result.Outcomes = append(result.Outcomes, outcome)

		if err == nil {
			result.Success = true
			result.MessageID = messageID
			result.Err = nil
			result.Category = domain.ErrorCategoryNone
			e.recorder.RecordSuccess(time.Duration(outcome.LatencyMs) * time.Millisecond)
			logger.Debug("delivery succeeded",
				"attempt", attempt,
				"message_id", messageID,
				"latency_ms", outcome.LatencyMs,
			)
			return result
		}

		category := outcome.ErrorCategory
		retryable := category.IsRetryable()
		result.Err = err
		result.Category = category

		if category == domain.ErrorCategoryRateLimited {
			e.recorder.RecordRateLimitHit()
		}

		if !retryable || attempt >= policy.MaxRetries || ctx.Err() != nil {
			e.recorder.RecordFailure(category, retryable)
			logger.Warn("delivery failed",
				"attempt", attempt,
				"max_retries", policy.MaxRetries,
				"category", category,
				"retryable", retryable,
				"error", err,
			)
			return result
		}

		wait := Delay(policy, attempt)
		if policy.Jitter {
			wait = jittered(wait)
		}
		if hint := retryAfter(err); hint > wait {
			wait = min(hint, policy.MaxDelay)
		}

		e.recorder.RecordRetry(attempt + 1)
		logger.Info("delivery attempt failed, retrying",
			"attempt", attempt,
			"category", category,
			"backoff", wait,
			"error", err,
		)

		if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
			result.Err = fmt.Errorf("retry interrupted: %w", errors.Join(sleepErr, err))
			e.recorder.RecordFailure(category, retryable)
			logger.Warn("delivery retry interrupted",
				"attempt", attempt,
				"category", category,
				"error", sleepErr,
			)
			return result
		}
	}
}

func (e *Executor) attempt(ctx context.Context, send SendFunc, policy Policy) (string, domain.DeliveryOutcome, error) {
	attemptCtx := ctx
	if policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	messageID, err := send(attemptCtx)
	latency := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = &SendError{
			Category: domain.ErrorCategoryNetwork,
			Code:     "ETIMEDOUT",
			Message:  fmt.Sprintf("send timed out after %s: %v", policy.AttemptTimeout, err),
		}
	}

	outcome := domain.DeliveryOutcome{
		Success:       err == nil,
		ErrorCategory: Classify(err),
		MessageID:     messageID,
		LatencyMs:     latency.Milliseconds(),
	}
	return messageID, outcome, err
}

// sleepContext waits for d or ctx cancellation.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noopRecorder struct{}

func (noopRecorder) RecordSuccess(time.Duration) {}
func (noopRecorder) RecordFailure(domain.ErrorCategory, bool) {}
func (noopRecorder) RecordRetry(int) {}
func (noopRecorder) RecordRateLimitHit() {}
