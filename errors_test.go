package core

import (
	"errors"
	"testing"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(KindKeyRequired, "key %q required", "foo")
	if err.Kind != KindKeyRequired {
		t.Fatalf("got kind %v", err.Kind)
	}
	if err.Message != `key "foo" required` {
		t.Fatalf("got message %q", err.Message)
	}
}

func TestWrapPreservesUnderlyingError(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInvalidLogFile, cause, "writing frame")
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
}

func TestIsMatchesKindOnly(t *testing.T) {
	err := New(KindBusy, "conflict")
	if !Is(err, KindBusy) {
		t.Fatalf("expected Is to match KindBusy")
	}
	if Is(err, KindNotOpen) {
		t.Fatalf("expected Is to reject mismatched kind")
	}
	if Is(errors.New("plain"), KindBusy) {
		t.Fatalf("expected Is to reject non-*Error values")
	}
}
