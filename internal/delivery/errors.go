// Package delivery invokes an external send capability with bounded retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
)

// SendError is a provider failure already translated into an ErrorCategory.
// Chat providers return it from the single function that interprets their
// responses, so the pipeline never inspects raw error text.
type SendError struct {
	Category   domain.ErrorCategory
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// IsRetryable reports whether the failure may succeed on retry.
func (e *SendError) IsRetryable() bool {
	return e.Category.IsRetryable()
}

// NewSendError creates a categorized send error.
func NewSendError(category domain.ErrorCategory, code, message string) *SendError {
	return &SendError{Category: category, Code: code, Message: message}
}

// Classify maps an error returned by a send function to its category.
func Classify(err error) domain.ErrorCategory {
	if err == nil {
		return domain.ErrorCategoryNone
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorCategoryNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrorCategoryNetwork
	}

	return domain.ErrorCategoryUnknown
}

// ErrorCode returns the provider code of err, or the category when none is set.
func ErrorCode(err error) string {
	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.Code != "" {
		return sendErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "ETIMEDOUT"
	}
	return string(Classify(err))
}

func retryAfter(err error) time.Duration {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.RetryAfter
	}
	return 0
}
