package dbbus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Fatal request errors. None of these are ever retried.
var (
	ErrUnknownRecordType   = errors.New("unknown record type")
	ErrUnsupportedOperator = errors.New("unsupported filter operator")
	ErrEmptyFilter         = errors.New("empty filter on update/delete")
	ErrEmptyUpdate         = errors.New("no update data provided")
	ErrInvalidOperation    = errors.New("invalid read operation")
)

// ErrNotFound is the distinct outcome of a delete or lookup whose
// filters match zero records.
var ErrNotFound = errors.New("no records match the filter conditions")

// Broker-side errors.
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrConsumerNotFound = errors.New("consumer not found for topic")
	ErrUnroutableAction = errors.New("action not handled by this consumer")
)

// TransientError marks a storage failure expected to self-resolve on
// retry (connection loss, lock timeout, deadlock). The dispatcher
// retries these and only these.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err so the dispatcher treats it as retryable.
// Wrapping nil returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Cause: err}
}

// IsTransient reports whether err is marked transient anywhere in its
// chain.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}

// RetriesExhaustedError is surfaced when every retry attempt against
// the store failed transiently. It is distinct from a single-attempt
// fatal error so callers can tell "never worked" from "flaky storage".
type RetriesExhaustedError struct {
	Op         string
	RecordType string
	Attempts   int
	Last       error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s %s: retries exhausted after %d attempts: %v",
		e.Op, e.RecordType, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// PublishError carries the topic and envelope of a failed publish so
// the caller can decide whether to re-send.
type PublishError struct {
	Topic    string
	Envelope Envelope
	Cause    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to topic %q failed: %v", e.Topic, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }
