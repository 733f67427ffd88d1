package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	base := New(CodeMarkerExists, "marker m1 already exists")
	other := New(CodeMarkerExists, "different message, same code")

	if !errors.Is(base, other) {
		t.Fatalf("expected errors with the same code to match")
	}
	if errors.Is(base, New(CodeNotFound, "not found")) {
		t.Fatalf("expected errors with different codes not to match")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(CodeUnknown, "save failed", cause)

	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected wrapped cause to be discoverable via errors.Is")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"domain error", New(CodeRedirectLoop, "loop"), CodeRedirectLoop},
		{"wrapped domain error", fmt.Errorf("outer: %w", New(CodeSeqCollision, "collision")), CodeSeqCollision},
		{"plain error", errors.New("plain"), CodeUnknown},
		{"nil", nil, CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	err := New(CodeActionInvalid, "bad action")
	if !IsCode(err, CodeActionInvalid) {
		t.Fatalf("expected IsCode to match")
	}
	if IsCode(err, CodeUnknown) {
		t.Fatalf("expected IsCode not to match a different code")
	}
}
