package main

import (
	"errors"
	"testing"
)

func TestKindOfExtractsTaggedKind(t *testing.T) {
	err := newErr(ErrValidation, "Test", errors.New("bad input"))
	if KindOf(err) != ErrValidation {
		t.Fatalf("expected ErrValidation, got %v", KindOf(err))
	}
}

func TestKindOfDefaultsToFatalForUntaggedError(t *testing.T) {
	if KindOf(errors.New("plain")) != ErrFatalWorker {
		t.Fatalf("expected untagged errors to default to ErrFatalWorker")
	}
}

func TestKindOfNilIsEmpty(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("expected empty kind for nil error")
	}
}

func TestTaskmasterErrorIsMatchesByKind(t *testing.T) {
	a := newErr(ErrDuplicate, "Insert", errors.New("x"))
	b := newErr(ErrDuplicate, "Other", errors.New("y"))
	if !errors.Is(a, b) {
		t.Fatalf("expected two TaskmasterErrors with the same kind to match via errors.Is")
	}
}

func TestTaskmasterErrorUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	wrapped := newErr(ErrTimeout, "execute", inner)
	if errors.Unwrap(wrapped) != inner {
		t.Fatalf("expected Unwrap to return the inner error")
	}
}
