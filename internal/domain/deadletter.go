package domain

import "time"

// ErrorCategory classifies a delivery failure.
type ErrorCategory string

// Error categories.
const (
	ErrorCategoryNone           ErrorCategory = ""
	ErrorCategoryNetwork        ErrorCategory = "network_error"
	ErrorCategoryRateLimited    ErrorCategory = "rate_limited"
	ErrorCategoryServerError    ErrorCategory = "server_error"
	ErrorCategoryBadRequest     ErrorCategory = "bad_request"
	ErrorCategoryInvalidChat    ErrorCategory = "invalid_chat"
	ErrorCategoryMessageTooLong ErrorCategory = "message_too_long"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// IsRetryable reports whether a failure of this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case ErrorCategoryNetwork, ErrorCategoryRateLimited, ErrorCategoryServerError:
		return true
	default:
		return false
	}
}

// DeadLetterStatus represents the lifecycle state of a dead letter entry.
type DeadLetterStatus string

// Dead letter statuses.
const (
	DeadLetterStatusPending   DeadLetterStatus = "pending"
	DeadLetterStatusRetrying  DeadLetterStatus = "retrying"
	DeadLetterStatusResolved  DeadLetterStatus = "resolved"
	DeadLetterStatusDiscarded DeadLetterStatus = "discarded"
)

// IsValid checks if the status is one of the known statuses.
func (s DeadLetterStatus) IsValid() bool {
	switch s {
	case DeadLetterStatusPending, DeadLetterStatusRetrying, DeadLetterStatusResolved, DeadLetterStatusDiscarded:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s DeadLetterStatus) IsTerminal() bool {
	return s == DeadLetterStatusResolved || s == DeadLetterStatusDiscarded
}

// Resolution is how a dead letter entry was closed.
type Resolution string

// Resolutions.
const (
	ResolutionSuccess   Resolution = "success"
	ResolutionDiscarded Resolution = "discarded"
	ResolutionManual    Resolution = "manual"
)

// Status maps the resolution to the terminal status it produces.
func (r Resolution) Status() DeadLetterStatus {
	if r == ResolutionDiscarded {
		return DeadLetterStatusDiscarded
	}
	return DeadLetterStatusResolved
}

// DeadLetterEntry is a notification whose automatic delivery did not resolve.
type DeadLetterEntry struct {
	ID              string                `json:"id"`
	SubjectID       string                `json:"subjectId"`
	ProtocolID      *string               `json:"protocolId"`
	Kind            NotificationKind      `json:"kind"`
	Payload         NotificationCandidate `json:"payload"`
	ErrorCode       string                `json:"errorCode"`
	ErrorMessage    string                `json:"errorMessage"`
	ErrorCategory   ErrorCategory         `json:"errorCategory"`
	RetryCount      int                   `json:"retryCount"`
	CorrelationID   string                `json:"correlationId"`
	Status          DeadLetterStatus      `json:"status"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
	ResolvedAt      *time.Time            `json:"resolvedAt"`
	ResolutionNotes *string               `json:"resolutionNotes"`
}

// DeadLetterStats aggregates the dead letter queue for health reporting.
type DeadLetterStats struct {
	ByStatus   map[DeadLetterStatus]int `json:"byStatus"`
	ByCategory map[ErrorCategory]int    `json:"byCategory"`
	// OldestUnresolvedAge is zero when nothing is pending or retrying.
	OldestUnresolvedAge time.Duration `json:"-"`
}

// Unresolved returns the number of pending and retrying entries.
func (s DeadLetterStats) Unresolved() int {
	return s.ByStatus[DeadLetterStatusPending] + s.ByStatus[DeadLetterStatusRetrying]
}
