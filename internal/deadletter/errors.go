package deadletter

import "errors"

// Dead letter errors.
var (
	ErrNotFound      = errors.New("dead letter entry not found")
	ErrNotPending    = errors.New("dead letter entry is not pending")
	ErrAlreadyClosed = errors.New("dead letter entry is already resolved or discarded")
	ErrInvalidStatus = errors.New("invalid dead letter status")
	ErrRetryFailed   = errors.New("redelivery failed")
	ErrNoRedeliverer = errors.New("redelivery is not configured")
)
