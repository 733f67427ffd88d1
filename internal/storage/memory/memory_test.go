package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/story-engine/internal/storage"
	"github.com/louisbranch/story-engine/internal/stream"
)

func sampleState(uid string) storage.SessionState {
	rec := stream.NewFragment("story", "text", "A room.")
	rec.UID = "r1"
	rec.Seq = 0
	return storage.SessionState{
		UID:         uid,
		Script:      "cellar.yaml",
		CursorID:    "cellar",
		ReturnStack: []string{"hub"},
		Records:     []stream.Record{rec},
		Markers:     map[string]map[string]int64{"entry": {"0": 0}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Save(ctx, sampleState("s1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CursorID != "cellar" || loaded.Script != "cellar.yaml" {
		t.Fatalf("unexpected state %+v", loaded)
	}
	if len(loaded.ReturnStack) != 1 || loaded.ReturnStack[0] != "hub" {
		t.Fatalf("unexpected return stack %v", loaded.ReturnStack)
	}
	if len(loaded.Records) != 1 || loaded.Records[0].Channel() != "story" {
		t.Fatalf("unexpected records %+v", loaded.Records)
	}
	if loaded.Markers["entry"]["0"] != 0 {
		t.Fatalf("unexpected markers %v", loaded.Markers)
	}
}

func TestLoadUnknownSession(t *testing.T) {
	store := New()
	if _, err := store.Load(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveReplacesState(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.Save(ctx, sampleState("s1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	updated := sampleState("s1")
	updated.CursorID = "attic"
	if err := store.Save(ctx, updated); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CursorID != "attic" {
		t.Fatalf("expected replacement, got %s", loaded.CursorID)
	}
}

func TestList(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, uid := range []string{"b", "a"} {
		if err := store.Save(ctx, sampleState(uid)); err != nil {
			t.Fatalf("save %s: %v", uid, err)
		}
	}
	uids, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(uids) != 2 || uids[0] != "a" || uids[1] != "b" {
		t.Fatalf("expected sorted uids, got %v", uids)
	}
}
