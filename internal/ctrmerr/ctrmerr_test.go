package ctrmerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := New(KindTimeout, "dial", "/tmp/sock", errors.New("deadline exceeded"))
	if !errors.Is(err, Timeout) {
		t.Error("expected errors.Is to match the Timeout sentinel")
	}
	if errors.Is(err, NotFound) {
		t.Error("expected errors.Is not to match a different Kind")
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := New(KindProtocol, "dispatch", "", errors.New("bad frame"))
	wrapped := fmt.Errorf("handling request: %w", base)
	if got := KindOf(wrapped); got != KindProtocol {
		t.Errorf("KindOf = %v, want %v", got, KindProtocol)
	}
}

func TestKindOfNonCtrmErrIsUnknown(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf = %v, want %v", got, KindUnknown)
	}
}
