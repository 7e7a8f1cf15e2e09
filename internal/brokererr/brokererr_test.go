package brokererr_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/claude-slack/broker/internal/brokererr"
)

func TestIsMatchesKind(t *testing.T) {
	err := brokererr.New(brokererr.KindNotFound, "store.GetMessage", errors.New("no rows"))
	if !brokererr.Is(err, brokererr.KindNotFound) {
		t.Fatal("expected Is to match KindNotFound")
	}
	if brokererr.Is(err, brokererr.KindConflict) {
		t.Fatal("expected Is not to match KindConflict")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	if brokererr.Is(errors.New("plain"), brokererr.KindNotFound) {
		t.Fatal("expected Is to be false for a non-broker error")
	}
}

func TestErrorUnwraps(t *testing.T) {
	cause := errors.New("underlying")
	err := brokererr.New(brokererr.KindConflict, "store.CreateChannel", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := brokererr.New(brokererr.KindInvalidArgument, "facade.Send", errors.New("empty body"))
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
	if !strings.Contains(msg, "facade.Send") || !strings.Contains(msg, string(brokererr.KindInvalidArgument)) {
		t.Fatalf("expected message to include op and kind, got %q", msg)
	}
}
