package roomsync

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfClassifiedError(t *testing.T) {
	err := NewSyncError(ErrKindCursorInvalid, "fetch zones", errors.New("410 gone"))

	if got := KindOf(err); got != ErrKindCursorInvalid {
		t.Errorf("Expected cursor_invalid, got %s", got)
	}
	if !IsCursorInvalid(err) {
		t.Error("Expected IsCursorInvalid to match")
	}

	// Classification survives wrapping.
	wrapped := fmt.Errorf("sync pass: %w", err)
	if got := KindOf(wrapped); got != ErrKindCursorInvalid {
		t.Errorf("Expected classification through wrapping, got %s", got)
	}
}

func TestKindOfUnclassifiedDefaultsToTransient(t *testing.T) {
	err := errors.New("connection reset")
	if got := KindOf(err); got != ErrKindTransient {
		t.Errorf("Expected unclassified errors treated as transient, got %s", got)
	}
	if !IsTransient(err) {
		t.Error("Expected IsTransient for plain error")
	}
}

func TestSyncErrorUnwrap(t *testing.T) {
	inner := errors.New("tcp timeout")
	err := NewSyncError(ErrKindTransient, "save", inner)

	if !errors.Is(err, inner) {
		t.Error("Expected errors.Is to reach the wrapped error")
	}
	if err.Error() == "" {
		t.Error("Expected non-empty message")
	}
}

func TestErrorKindStrings(t *testing.T) {
	cases := map[ErrorKind]string{
		ErrKindTransient:            "transient",
		ErrKindCursorInvalid:        "cursor_invalid",
		ErrKindSchemaUnready:        "schema_unready",
		ErrKindPermissionDenied:     "permission_denied",
		ErrKindLegacyDataShape:      "legacy_data_shape",
		ErrKindPermanentSendFailure: "permanent_send_failure",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
