package entity

import (
	"errors"
	"fmt"
	"testing"
)

// provider is a registry item that declares provision keys.
type provider struct {
	Entity
	keys []string
}

func (p provider) Provides() []string { return p.keys }

func (p provider) MatchKey(key string, value any) (bool, error) {
	if key == "provides" {
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		for _, k := range p.keys {
			if k == s {
				return true, nil
			}
		}
		return false, nil
	}
	return p.Entity.MatchKey(key, value)
}

func newProvider(uid, label string, keys ...string) provider {
	return provider{Entity: New(uid, label), keys: keys}
}

func TestRegistryAddRejectsDuplicateUID(t *testing.T) {
	reg := NewRegistry[provider]()
	if err := reg.Add(newProvider("a", "first")); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := reg.Add(newProvider("a", "second"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestRegistryPutOverwrites(t *testing.T) {
	reg := NewRegistry[provider]()
	if err := reg.Put(newProvider("a", "first")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := reg.Put(newProvider("a", "replaced")); err != nil {
		t.Fatalf("put replace: %v", err)
	}
	item, err := reg.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Label != "replaced" {
		t.Fatalf("expected replacement, got label %q", item.Label)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", reg.Len())
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	reg := NewRegistry[provider]()
	if _, err := reg.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryRemove(t *testing.T) {
	reg := NewRegistry[provider]()
	if err := reg.Add(newProvider("a", "first", "props/torch")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := reg.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double remove, got %v", err)
	}
	if got := reg.FindProviders("props/torch"); len(got) != 0 {
		t.Fatalf("expected provides index cleared, got %d entries", len(got))
	}
}

func TestRegistryFindInsertionOrder(t *testing.T) {
	reg := NewRegistry[provider]()
	for i := 0; i < 5; i++ {
		p := newProvider(fmt.Sprintf("uid-%d", i), "scene")
		p.AddTag("scene")
		if err := reg.Add(p); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	matches, err := reg.Find(Criteria{"tag": "scene"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 5 {
		t.Fatalf("expected 5 matches, got %d", len(matches))
	}
	for i, m := range matches {
		if want := fmt.Sprintf("uid-%d", i); m.ID() != want {
			t.Fatalf("expected insertion order, got %q at %d", m.ID(), i)
		}
	}
}

func TestRegistryFindOne(t *testing.T) {
	reg := NewRegistry[provider]()
	if err := reg.Add(newProvider("a", "door")); err != nil {
		t.Fatalf("add: %v", err)
	}
	item, err := reg.FindOne(Criteria{"label": "door"})
	if err != nil {
		t.Fatalf("find one: %v", err)
	}
	if item.ID() != "a" {
		t.Fatalf("expected uid a, got %q", item.ID())
	}
	if _, err := reg.FindOne(Criteria{"label": "window"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryFindUnknownCriterionFailsLoudly(t *testing.T) {
	reg := NewRegistry[provider]()
	if err := reg.Add(newProvider("a", "door")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := reg.Find(Criteria{"sturdiness": 3}); err == nil {
		t.Fatalf("expected unknown criterion error, got nil")
	}
}

func TestRegistryProvidesIndex(t *testing.T) {
	reg := NewRegistry[provider]()
	if err := reg.Add(newProvider("torch-1", "torch", "props/torch")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(newProvider("lamp-1", "lamp", "props/light", "props/lamp")); err != nil {
		t.Fatalf("add: %v", err)
	}

	torches := reg.FindProviders("props/torch")
	if len(torches) != 1 || torches[0].ID() != "torch-1" {
		t.Fatalf("unexpected providers for props/torch: %v", torches)
	}

	// Criteria with a provides key should consult the index, not scan.
	matches, err := reg.Find(Criteria{"provides": "props/lamp"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) != 1 || matches[0].ID() != "lamp-1" {
		t.Fatalf("unexpected matches for provides criteria: %v", matches)
	}
}
