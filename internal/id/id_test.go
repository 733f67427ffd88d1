package id

import (
	"strings"
	"testing"
)

func TestNewIDFormat(t *testing.T) {
	uid, err := NewID()
	if err != nil {
		t.Fatalf("generate id: %v", err)
	}
	if len(uid) != 26 {
		t.Fatalf("expected 26 characters, got %d (%q)", len(uid), uid)
	}
	if uid != strings.ToLower(uid) {
		t.Fatalf("expected lowercase id, got %q", uid)
	}
	if strings.Contains(uid, "=") {
		t.Fatalf("expected no padding, got %q", uid)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		uid, err := NewID()
		if err != nil {
			t.Fatalf("generate id: %v", err)
		}
		if seen[uid] {
			t.Fatalf("duplicate id generated: %q", uid)
		}
		seen[uid] = true
	}
}

func TestMustNewID(t *testing.T) {
	if uid := MustNewID(); len(uid) != 26 {
		t.Fatalf("expected 26 characters, got %d", len(uid))
	}
}
