package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/script"
	"github.com/louisbranch/story-engine/internal/storage/memory"
	"github.com/louisbranch/story-engine/internal/stream"
)

const testScript = `
title: The Cellar
start: cellar
templates:
  - label: torch
    provides: [props/torch]
scenes:
  - label: act-1
    locals:
      era: medieval
  - label: cellar
    parent: act-1
    text: You wake in a cold cellar.
    locals:
      torch_lit: false
    requires:
      - key: props/torch
        policy: any
        hard: true
        template: torch
        strategy: materialize
    edges:
      - to: stairs
        choice: true
        label: Climb the stairs
      - to: crates
        choice: true
        label: Search the crates
  - label: stairs
    text: The stairs creak underfoot.
    edges:
      - to: cellar
        choice: true
        label: Go back down
  - label: crates
    text: Nothing but dust and a dead rat.
`

func newSession(t *testing.T) *Session {
	t.Helper()
	compiled, err := script.Compile([]byte(testScript), nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	s, err := New("test-session", "cellar.yaml", compiled)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestStartRendersAndOffersChoices(t *testing.T) {
	s := newSession(t)
	res, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !res.Ready || !res.AwaitingChoice || len(res.Choices) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	update, err := s.GetUpdate("")
	if err != nil {
		t.Fatalf("get update: %v", err)
	}
	var sawText bool
	for _, rec := range update {
		if frag, ok := rec.Payload.(stream.Fragment); ok && frag.Body == "You wake in a cold cellar." {
			sawText = true
		}
	}
	if !sawText {
		t.Fatalf("expected opening fragment in update, got %+v", update)
	}
}

func TestRequirementMaterializesProvider(t *testing.T) {
	s := newSession(t)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	cellar, err := s.graph.Node("cellar")
	if err != nil {
		t.Fatalf("cellar: %v", err)
	}
	providerID := cellar.Requires[0].ProviderID
	if providerID == "" {
		t.Fatal("expected requirement resolved by materialization")
	}
	provider, err := s.graph.Node(providerID)
	if err != nil {
		t.Fatalf("provider not registered in graph: %v", err)
	}
	if provider.Label != "torch" {
		t.Fatalf("expected torch instance, got %q", provider.Label)
	}

	audits, err := s.stream.Channel("audit", nil)
	if err != nil {
		t.Fatalf("audit channel: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("expected one audit receipt, got %d", len(audits))
	}
}

func TestDoAction(t *testing.T) {
	s := newSession(t)
	res, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err = s.DoAction(context.Background(), res.Choices[0].EdgeID, nil)
	if err != nil {
		t.Fatalf("do action: %v", err)
	}
	if res.NodeID != "stairs" {
		t.Fatalf("expected stairs, got %s", res.NodeID)
	}

	status := s.GetStatus()
	if status.NodeID != "stairs" || status.Dirty {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestDoActionValidatesEdge(t *testing.T) {
	s := newSession(t)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := s.DoAction(context.Background(), "bogus-edge", nil); !apperrors.IsCode(err, apperrors.CodeActionInvalid) {
		t.Fatalf("expected invalid action, got %v", err)
	}

	// An edge that exists but does not leave the current node.
	if _, err := s.DoAction(context.Background(), "stairs:edge:0", nil); err == nil {
		t.Fatal("expected rejection of non-local edge")
	}
}

func TestGotoNodeMarksDirty(t *testing.T) {
	s := newSession(t)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := s.GotoNode(context.Background(), "crates")
	if err != nil {
		t.Fatalf("goto: %v", err)
	}
	if res.NodeID != "crates" {
		t.Fatalf("expected crates, got %s", res.NodeID)
	}
	if !s.GetStatus().Dirty {
		t.Fatal("expected dirty session after goto")
	}
}

func TestCheckExprAndApplyEffect(t *testing.T) {
	s := newSession(t)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ok, err := s.CheckExpr(`ctx["era"] == "medieval" && locals["torch_lit"] == false`)
	if err != nil {
		t.Fatalf("check expr: %v", err)
	}
	if !ok {
		t.Fatal("expected ancestor context visible to check")
	}

	if err := s.ApplyEffect("torch_lit", "true"); err != nil {
		t.Fatalf("apply effect: %v", err)
	}
	ok, err = s.CheckExpr(`locals["torch_lit"] == true`)
	if err != nil {
		t.Fatalf("re-check: %v", err)
	}
	if !ok {
		t.Fatal("expected effect visible")
	}

	last, found, err := s.stream.Last("", nil)
	if err != nil || !found {
		t.Fatalf("last: found=%v err=%v", found, err)
	}
	if last.RecordKind() != stream.KindReceipt {
		t.Fatalf("expected effect receipt, got %s", last.RecordKind())
	}
}

func TestManagerSaveAndResume(t *testing.T) {
	store := memory.New()
	loader := func(name string) ([]byte, error) {
		if name != "cellar.yaml" {
			return nil, fmt.Errorf("unknown script %q", name)
		}
		return []byte(testScript), nil
	}
	manager := NewManager(store, loader)
	ctx := context.Background()

	s, err := manager.Create(ctx, "cellar.yaml", []byte(testScript))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := s.DoAction(ctx, "cellar:edge:0", nil)
	if err != nil {
		t.Fatalf("do action: %v", err)
	}
	if res.NodeID != "stairs" {
		t.Fatalf("expected stairs, got %s", res.NodeID)
	}
	if err := manager.Save(ctx, s.UID()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := manager.Remove(s.UID()); err != nil {
		t.Fatalf("remove: %v", err)
	}

	resumed, err := manager.Resume(ctx, s.UID())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	status := resumed.GetStatus()
	if status.NodeID != "stairs" {
		t.Fatalf("expected resumed cursor on stairs, got %s", status.NodeID)
	}
	if !status.AwaitingChoice || len(status.Choices) != 1 {
		t.Fatalf("expected resumed session to re-offer choices, got %+v", status)
	}
	if resumed.Stream().MaxSeq() != s.Stream().MaxSeq() {
		t.Fatalf("journal mismatch: %d vs %d", resumed.Stream().MaxSeq(), s.Stream().MaxSeq())
	}

	update, err := resumed.GetUpdate(stream.LatestMarker)
	if err != nil {
		t.Fatalf("get update after resume: %v", err)
	}
	if len(update) == 0 {
		t.Fatal("expected journal sections to survive resume")
	}
}

func TestManagerGetUnknown(t *testing.T) {
	manager := NewManager(nil, nil)
	if _, err := manager.Get("ghost"); !errors.Is(err, ErrSessionUnknown) {
		t.Fatalf("expected unknown session, got %v", err)
	}
}
