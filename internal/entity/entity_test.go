package entity

import (
	"errors"
	"testing"

	apperrors "github.com/louisbranch/story-engine/internal/errors"
)

func TestEntityMatchKey(t *testing.T) {
	e := New("abc123", "cellar-door")
	e.AddTag("scene")
	e.AddTag("channel:main")

	tests := []struct {
		name  string
		key   string
		value any
		want  bool
	}{
		{"uid match", "uid", "abc123", true},
		{"uid mismatch", "uid", "other", false},
		{"label match", "label", "cellar-door", true},
		{"label mismatch", "label", "attic", false},
		{"single tag", "tag", "scene", true},
		{"missing tag", "tag", "ending", false},
		{"all tags present", "tag", []string{"scene", "channel:main"}, true},
		{"one tag missing", "tag", []string{"scene", "ending"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.MatchKey(tt.key, tt.value)
			if err != nil {
				t.Fatalf("MatchKey(%q) error: %v", tt.key, err)
			}
			if got != tt.want {
				t.Errorf("MatchKey(%q, %v) = %v, want %v", tt.key, tt.value, got, tt.want)
			}
		})
	}
}

func TestEntityMatchKeyUnknownCriterionFails(t *testing.T) {
	e := New("abc123", "door")
	if _, err := e.MatchKey("color", "red"); !apperrors.IsCode(err, apperrors.CodeUnknownCriterion) {
		t.Fatalf("expected unknown criterion error, got %v", err)
	}
}

func TestMatchesConjunction(t *testing.T) {
	e := New("abc123", "door")
	e.AddTag("scene")

	ok, err := Matches(e, Criteria{"uid": "abc123", "tag": "scene"})
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	if !ok {
		t.Fatalf("expected conjunction to match")
	}

	ok, err = Matches(e, Criteria{"uid": "abc123", "tag": "ending"})
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	if ok {
		t.Fatalf("expected conjunction with one failing predicate not to match")
	}
}

func TestMatchesUnknownCriterionPropagates(t *testing.T) {
	e := New("abc123", "door")
	if _, err := Matches(e, Criteria{"uid": "abc123", "mood": "tense"}); err == nil {
		t.Fatalf("expected error for unknown criterion, got nil")
	}
}

func TestEntityIsComparableByUID(t *testing.T) {
	a := New("same", "first")
	b := New("same", "second")
	if a.ID() != b.ID() {
		t.Fatalf("expected identity by uid")
	}
	if errors.Is(ErrNotFound, ErrDuplicateID) {
		t.Fatalf("sentinel errors must not alias")
	}
}
