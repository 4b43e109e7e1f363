package toolerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := New(KindConflict, "tool %s at revision %d", "ns:a", 3)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict kind to match sentinel")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("conflict must not match not_found")
	}

	wrapped := fmt.Errorf("register: %w", err)
	if !errors.Is(wrapped, ErrConflict) {
		t.Fatalf("expected wrapped error to match sentinel")
	}
	if got := KindOf(wrapped); got != KindConflict {
		t.Fatalf("KindOf = %q, want %q", got, KindConflict)
	}
}

func TestErrorString(t *testing.T) {
	err := New(KindNotFound, "tool %q", "x")
	if err.Error() != `not_found: tool "x"` {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if ErrTimeout.Error() != "timeout" {
		t.Fatalf("unexpected sentinel message %q", ErrTimeout.Error())
	}
}

func TestWrapKeepsDiagnosticOutOfPublic(t *testing.T) {
	cause := errors.New("connection reset by peer at 10.0.0.7")
	err := Wrap(KindBackendExecution, cause, "backend %s failed", "remote")

	if err.Diagnostic != cause.Error() {
		t.Fatalf("diagnostic = %q", err.Diagnostic)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to unwrap")
	}
	if got := Public(err); got != "backend_execution: backend remote failed" {
		t.Fatalf("Public = %q", got)
	}
}

func TestKindOfUntypedError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("KindOf = %q, want internal", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q", got)
	}
	if got := Public(errors.New("secret detail")); got != "internal" {
		t.Fatalf("Public leaked detail: %q", got)
	}
}
