package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "record not found")
	wrapped := fmt.Errorf("get state: %w", Wrap(CodeNotFound, "lookup failed", errors.New("sql: no rows")))

	if !errors.Is(wrapped, sentinel) {
		t.Fatal("expected wrapped error to match sentinel by code")
	}

	other := New(CodeProjectorFailure, "persist failed")
	if errors.Is(wrapped, other) {
		t.Fatal("expected different codes not to match")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeProjectorFailure, "persist projection", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if err.Error() != "persist projection" {
		t.Fatalf("Error() = %q, want %q", err.Error(), "persist projection")
	}
}

func TestWrapWithMetadata(t *testing.T) {
	err := WrapWithMetadata(CodeSchemaMismatch, "column drift", map[string]string{"table": "balances"}, errors.New("type mismatch"))

	if err.Metadata["table"] != "balances" {
		t.Fatalf("metadata table = %q, want %q", err.Metadata["table"], "balances")
	}
	if err.Code != CodeSchemaMismatch {
		t.Fatalf("code = %q, want %q", err.Code, CodeSchemaMismatch)
	}
}
