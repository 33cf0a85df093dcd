package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := errors.New("disk full")
	wrapped := New(Storage, "memory.core.edit", base)
	wrappedAgain := fmt.Errorf("saving block: %w", wrapped)

	if !Is(wrappedAgain, Storage) {
		t.Fatal("expected Is to match Storage kind through multiple wraps")
	}
	if Is(wrappedAgain, Provider) {
		t.Fatal("expected Is not to match a different kind")
	}
}

func TestKindOfUnclassifiedError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("expected empty Kind for an unclassified error")
	}
}
