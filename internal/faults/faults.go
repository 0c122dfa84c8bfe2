// Package faults carries the error taxonomy shared across the ingestion and
// reporting pipeline. Callers classify errors by Kind rather than by concrete
// type so that transport, storage and model failures can be routed uniformly.
package faults

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Kind identifies a failure class.
type Kind string

const (
	// Input errors.
	InvalidTimestamp       Kind = "INVALID_TIMESTAMP"
	UnsupportedPayloadType Kind = "UNSUPPORTED_PAYLOAD_TYPE"
	UnknownRepository      Kind = "UNKNOWN_REPOSITORY"

	// Transient errors.
	Remote5xx            Kind = "REMOTE_5XX"
	DatabaseConnectivity Kind = "DATABASE_CONNECTIVITY"
	Timeout              Kind = "TIMEOUT"

	// Permanent remote errors.
	Remote4xx   Kind = "REMOTE_4XX"
	SchemaDrift Kind = "SCHEMA_DRIFT"

	// Data-integrity errors.
	Drift         Kind = "DRIFT"
	DataIntegrity Kind = "DATA_INTEGRITY"
	DatabaseError Kind = "DATABASE_ERROR"

	// Configuration errors.
	MissingConfig Kind = "MISSING_CONFIG"

	// Reporting errors.
	EvidenceEmpty    Kind = "EVIDENCE_EMPTY"
	ValidationFailed Kind = "VALIDATION_FAILED"

	Unknown Kind = "UNKNOWN"
)

// Error is a classified error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two classified errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err, or Unknown when it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether err should be retried locally.
func Transient(err error) bool {
	switch KindOf(err) {
	case Remote5xx, DatabaseConnectivity, Timeout:
		return true
	}
	return false
}

// ClassifyDB maps a database error onto the taxonomy. Constraint violations
// become DATA_INTEGRITY, connection-level failures DATABASE_CONNECTIVITY and
// everything else DATABASE_ERROR.
func ClassifyDB(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(Timeout, err, "database deadline exceeded")
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return Wrap(DatabaseConnectivity, err, "database connection lost")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return Wrap(DataIntegrity, err, "constraint violated")
		case "08": // connection exception
			return Wrap(DatabaseConnectivity, err, "database unreachable")
		}
	}
	return Wrap(DatabaseError, err, "database operation failed")
}
