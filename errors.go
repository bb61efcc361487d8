package roomsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the roomsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed Core
	// or state store.
	ErrClosed = errors.New("roomsync is closed")

	// ErrOffline is returned when a send is attempted with no connectivity.
	ErrOffline = errors.New("network is offline")
)

// ErrorKind classifies a sync failure. Every remote-call error is
// translated into one of these kinds at the engine/outbox boundary;
// raw transport errors never reach notification consumers.
type ErrorKind int

const (
	// ErrKindTransient covers network unavailability, rate limiting and
	// server busy conditions. Retried on the next scheduled pass or via
	// the retry queue; never terminal on first occurrence.
	ErrKindTransient ErrorKind = iota

	// ErrKindCursorInvalid means a change token was rejected as expired.
	// The affected token is cleared (never the data) and the next pass
	// performs a full rescan.
	ErrKindCursorInvalid

	// ErrKindSchemaUnready means the remote rejected a field it does not
	// know yet. Treated like a transient failure for writes.
	ErrKindSchemaUnready

	// ErrKindPermissionDenied is surfaced distinctly and not auto-retried.
	ErrKindPermissionDenied

	// ErrKindLegacyDataShape marks a record of a known type missing
	// required fields. Triggers at most one remote-state reset request.
	ErrKindLegacyDataShape

	// ErrKindPermanentSendFailure marks a queued write dropped after
	// exhausting its retries.
	ErrKindPermanentSendFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindTransient:
		return "transient"
	case ErrKindCursorInvalid:
		return "cursor_invalid"
	case ErrKindSchemaUnready:
		return "schema_unready"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindLegacyDataShape:
		return "legacy_data_shape"
	case ErrKindPermanentSendFailure:
		return "permanent_send_failure"
	default:
		return "unknown"
	}
}

// SyncError is a classified sync failure.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError wraps err with a kind and the operation that failed.
func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors are
// treated as transient so that unknown failures are retried rather than
// surfaced as terminal.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrKindTransient
}

// IsCursorInvalid reports whether err is an invalid/expired cursor.
func IsCursorInvalid(err error) bool {
	return err != nil && KindOf(err) == ErrKindCursorInvalid
}

// IsTransient reports whether err should be retried on the next pass.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == ErrKindTransient
}

// IsPermissionDenied reports whether err is a permission failure.
func IsPermissionDenied(err error) bool {
	return err != nil && KindOf(err) == ErrKindPermissionDenied
}

// IsSchemaUnready reports whether the remote schema is missing a field.
func IsSchemaUnready(err error) bool {
	return err != nil && KindOf(err) == ErrKindSchemaUnready
}
