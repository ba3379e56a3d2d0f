// Package enginerr defines the detection engine's error taxonomy.
// Every failure inside the pipeline is classified so workers know whether
// to retry, degrade the station, or exit.
package enginerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error
type Kind string

const (
	// Transient covers timeouts, 5xx responses and connection resets.
	// Retried with backoff and tracked by the circuit breaker.
	Transient Kind = "TRANSIENT"

	// PermanentInput covers malformed audio and non-audio streams.
	// The station is marked degraded.
	PermanentInput Kind = "PERMANENT_INPUT"

	// PermanentConfig covers missing API keys and invalid DB URLs.
	// The engine refuses to start.
	PermanentConfig Kind = "PERMANENT_CONFIG"

	// DataConflict covers ISRC uniqueness violations during track create.
	// The caller must re-read and retry the canonicalize step.
	DataConflict Kind = "DATA_CONFLICT"

	// Fatal covers unexpected panics in a worker. The worker exits and the
	// scheduler restarts it.
	Fatal Kind = "FATAL"
)

// Error is a classified engine error
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "ingest.open"
	Err     error
	Station string // station id when known
}

func (e *Error) Error() string {
	if e.Station != "" {
		return fmt.Sprintf("%s: %s [station=%s]: %v", e.Kind, e.Op, e.Station, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf wraps a formatted message with a kind and operation
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithStation attaches a station id for log context
func (e *Error) WithStation(stationID string) *Error {
	e.Station = stationID
	return e
}

// KindOf returns the kind of err, or Transient if err is not classified.
// Unclassified errors from the pipeline default to the retry path rather
// than killing a worker.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}

// IsTransient reports whether err should be retried
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// IsPermanentInput reports whether err should degrade the station
func IsPermanentInput(err error) bool {
	return KindOf(err) == PermanentInput
}

// IsConflict reports whether err is a data conflict needing a re-read
func IsConflict(err error) bool {
	return KindOf(err) == DataConflict
}

// IsFatal reports whether err must exit the worker
func IsFatal(err error) bool {
	return KindOf(err) == Fatal
}
