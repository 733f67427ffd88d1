// Package entity provides the identity, tagging, and criteria-lookup
// primitive underlying all managed engine objects.
package entity

import (
	"fmt"

	apperrors "github.com/louisbranch/story-engine/internal/errors"
)

// Criteria is a conjunction of named predicates evaluated against an item.
// Every key must be understood by the item's Matchable implementation;
// an unknown key is a programmer error, never a silent match.
type Criteria map[string]any

// Matchable is implemented by registry items that support criteria lookup.
// Implementations handle a closed set of named predicates and return an
// error wrapping CodeUnknownCriterion for keys outside that set.
type Matchable interface {
	MatchKey(key string, value any) (bool, error)
}

// Item is the contract every registry value satisfies.
type Item interface {
	Matchable
	// ID returns the item's uid. It is assigned once and never changes.
	ID() string
}

// Entity is the base identity unit: a uid assigned at creation, an optional
// human-facing label, a free-form tag set, and an optional content hash used
// for deduplication and snapshot verification.
type Entity struct {
	UID         string
	Label       string
	Tags        map[string]bool
	ContentHash []byte
}

// New creates an entity with the given uid and label.
func New(uid, label string) Entity {
	return Entity{UID: uid, Label: label, Tags: make(map[string]bool)}
}

// ID returns the entity uid.
func (e Entity) ID() string { return e.UID }

// HasTag reports whether the entity carries the given tag.
func (e Entity) HasTag(tag string) bool { return e.Tags[tag] }

// AddTag adds a tag to the entity's tag set.
func (e *Entity) AddTag(tag string) {
	if e.Tags == nil {
		e.Tags = make(map[string]bool)
	}
	e.Tags[tag] = true
}

// TagList returns the entity's tags as a slice. Order is unspecified.
func (e Entity) TagList() []string {
	tags := make([]string, 0, len(e.Tags))
	for tag := range e.Tags {
		tags = append(tags, tag)
	}
	return tags
}

// MatchKey evaluates one named predicate against the entity.
//
// Supported keys: "uid" and "label" (string equality), "tag" (a single tag
// or a slice of tags, all of which must be present). Types embedding Entity
// extend the set with their own keys and delegate the rest here.
func (e Entity) MatchKey(key string, value any) (bool, error) {
	switch key {
	case "uid":
		s, ok := value.(string)
		return ok && e.UID == s, nil
	case "label":
		s, ok := value.(string)
		return ok && e.Label == s, nil
	case "tag":
		switch v := value.(type) {
		case string:
			return e.HasTag(v), nil
		case []string:
			for _, tag := range v {
				if !e.HasTag(tag) {
					return false, nil
				}
			}
			return true, nil
		default:
			return false, apperrors.New(apperrors.CodeUnknownCriterion,
				fmt.Sprintf("tag criterion requires a string or []string, got %T", value))
		}
	default:
		return false, apperrors.WithMetadata(apperrors.CodeUnknownCriterion,
			fmt.Sprintf("unknown match criterion %q", key),
			map[string]string{"criterion": key})
	}
}

// Matches evaluates a criteria conjunction against an item. It fails on the
// first unknown criterion rather than treating it as a wildcard.
func Matches(m Matchable, criteria Criteria) (bool, error) {
	for key, value := range criteria {
		ok, err := m.MatchKey(key, value)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
