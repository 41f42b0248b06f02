// Package telemetryerr defines a single error taxonomy: one sentinel
// per failure kind, each tagged with whether it is locally recoverable,
// so callers can decide between a retry, a surfaced categorical status,
// and an operator alert without string-matching error messages.
package telemetryerr

import "errors"

// Sentinel errors. Wrap with fmt.Errorf("...: %w", Err...) to add context
// while keeping errors.Is working.
var (
	ErrMalformedTimestamp       = errors.New("malformed device timestamp")
	ErrPartitionMissing         = errors.New("target partition does not exist")
	ErrPartitionKeyMissing      = errors.New("partition key missing from primary key")
	ErrDuplicateKey             = errors.New("duplicate natural key")
	ErrStorageUnavailable       = errors.New("storage unavailable")
	ErrTimeout                  = errors.New("operation timed out")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrSubscriberSlow           = errors.New("subscriber exceeded send-queue bound")
	ErrArchiveVerificationFailed = errors.New("archive verification failed")
	ErrValidation               = errors.New("validation failed")
)

// Retryable reports whether a caller encountering err should retry the
// operation itself (PartitionMissing: the heartbeat will create the
// partition on its next tick; StorageUnavailable: transient backend
// trouble; DuplicateKey: the write is resolved as an upsert). Errors not
// in this set are terminal for the calling request.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrPartitionMissing):
		return true
	case errors.Is(err, ErrStorageUnavailable):
		return true
	case errors.Is(err, ErrDuplicateKey):
		return true
	default:
		return false
	}
}
