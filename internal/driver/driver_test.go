package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/louisbranch/story-engine/internal/capability"
	"github.com/louisbranch/story-engine/internal/entity"
	"github.com/louisbranch/story-engine/internal/expr"
	"github.com/louisbranch/story-engine/internal/graph"
	"github.com/louisbranch/story-engine/internal/provision"
	"github.com/louisbranch/story-engine/internal/stream"
)

type fixture struct {
	graph    *graph.Graph
	stream   *stream.Stream
	caps     *capability.Registry
	resolver *provision.Resolver
	driver   *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	g := graph.New()
	s := stream.New()
	caps := capability.NewRegistry()
	eval, err := expr.NewEvaluator()
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	resolver := provision.NewResolver(CursorScope{Graph: g}, SelectionAudit{Stream: s})
	d, err := New(g, s, caps, resolver, eval)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	return &fixture{graph: g, stream: s, caps: caps, resolver: resolver, driver: d}
}

func (f *fixture) node(t *testing.T, uid, text string) *graph.Node {
	t.Helper()
	n := &graph.Node{Entity: entity.New(uid, uid), Kind: "scene", Text: text}
	if err := f.graph.AddNode(n); err != nil {
		t.Fatalf("add node %s: %v", uid, err)
	}
	return n
}

func (f *fixture) edge(t *testing.T, uid, from, to string, tags ...string) *graph.Edge {
	t.Helper()
	e, err := graph.NewEdge(uid, from, to)
	if err != nil {
		t.Fatalf("new edge %s: %v", uid, err)
	}
	for _, tag := range tags {
		e.AddTag(tag)
	}
	if err := f.graph.AddEdge(e); err != nil {
		t.Fatalf("add edge %s: %v", uid, err)
	}
	return e
}

func storyBodies(t *testing.T, s *stream.Stream) []string {
	t.Helper()
	records, err := s.Channel(StoryChannel, nil)
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	var bodies []string
	for _, rec := range records {
		frag, ok := rec.Payload.(stream.Fragment)
		if !ok {
			t.Fatalf("unexpected payload %T", rec.Payload)
		}
		bodies = append(bodies, frag.Body)
	}
	return bodies
}

func TestStepRendersAndStops(t *testing.T) {
	f := newFixture(t)
	f.node(t, "start", "You wake in a cold cellar.")

	res, err := f.driver.StepTo(context.Background(), "start")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !res.Ready || res.NodeID != "start" || res.AwaitingChoice {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.StartSeq != 0 || res.EndSeq != 0 {
		t.Fatalf("expected fragment at seq 0, got [%d,%d]", res.StartSeq, res.EndSeq)
	}
	bodies := storyBodies(t, f.stream)
	if len(bodies) != 1 || bodies[0] != "You wake in a cold cellar." {
		t.Fatalf("unexpected story %v", bodies)
	}
}

func TestStepAutoContinues(t *testing.T) {
	f := newFixture(t)
	f.node(t, "start", "First.")
	f.node(t, "next", "Second.")
	f.edge(t, "e1", "start", "next", AutoTag)

	res, err := f.driver.StepTo(context.Background(), "start")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.NodeID != "next" {
		t.Fatalf("expected traversal to chain to next, got %s", res.NodeID)
	}
	bodies := storyBodies(t, f.stream)
	if len(bodies) != 2 || bodies[0] != "First." || bodies[1] != "Second." {
		t.Fatalf("unexpected story %v", bodies)
	}
	if res.StartSeq != 0 || res.EndSeq != 1 {
		t.Fatalf("expected records [0,1], got [%d,%d]", res.StartSeq, res.EndSeq)
	}
}

func TestStepStopsOnChoices(t *testing.T) {
	f := newFixture(t)
	f.node(t, "fork", "Pick a door.")
	f.node(t, "left", "")
	f.node(t, "right", "")
	left := f.edge(t, "go-left", "fork", "left", graph.ChoiceTag)
	left.Label = "Left door"
	right := f.edge(t, "go-right", "fork", "right", graph.ChoiceTag)
	right.Label = "Right door"

	res, err := f.driver.StepTo(context.Background(), "fork")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !res.AwaitingChoice || len(res.Choices) != 2 {
		t.Fatalf("expected two choices, got %+v", res)
	}
	if res.Choices[0].EdgeID != "go-left" || res.Choices[0].Label != "Left door" {
		t.Fatalf("unexpected first choice %+v", res.Choices[0])
	}
}

func TestStepFollowsChosenEdge(t *testing.T) {
	f := newFixture(t)
	f.node(t, "fork", "Pick.")
	f.node(t, "left", "You went left.")
	f.edge(t, "go-left", "fork", "left", graph.ChoiceTag)

	if _, err := f.driver.StepTo(context.Background(), "fork"); err != nil {
		t.Fatalf("first step: %v", err)
	}
	res, err := f.driver.StepEdge(context.Background(), "go-left")
	if err != nil {
		t.Fatalf("choice step: %v", err)
	}
	if res.NodeID != "left" || !res.Ready {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestReturnAfterPopsBack(t *testing.T) {
	f := newFixture(t)
	f.node(t, "hub", "Back at the hub.")
	f.node(t, "aside", "A brief aside.")
	aside, err := graph.NewEdge("detour", "hub", "aside")
	if err != nil {
		t.Fatalf("new edge: %v", err)
	}
	aside.ReturnAfter = true
	if err := f.graph.AddEdge(aside); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := f.graph.SetCursor("hub"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	res, err := f.driver.StepEdge(context.Background(), "detour")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.NodeID != "hub" {
		t.Fatalf("expected return to hub, got %s", res.NodeID)
	}
	bodies := storyBodies(t, f.stream)
	if len(bodies) != 2 || bodies[0] != "A brief aside." || bodies[1] != "Back at the hub." {
		t.Fatalf("unexpected story %v", bodies)
	}
	if len(f.driver.ReturnStack()) != 0 {
		t.Fatalf("expected drained return stack, got %v", f.driver.ReturnStack())
	}
}

func TestRedirectBeforeRender(t *testing.T) {
	f := newFixture(t)
	f.node(t, "locked", "You should never read this.")
	f.node(t, "lobby", "Redirected to the lobby.")
	f.edge(t, "to-lobby", "locked", "lobby")

	err := f.caps.Register(capability.Capability{
		Name:  "lockout",
		Phase: capability.PhaseCheckRedirects,
		Tier:  capability.TierNode,
		When: func(state any) bool {
			return state.(*Step).Node.ID() == "locked"
		},
		Run: func(any) (capability.Result, error) {
			return capability.Result{EdgeID: "to-lobby"}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := f.driver.StepTo(context.Background(), "locked")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.NodeID != "lobby" {
		t.Fatalf("expected redirect to lobby, got %s", res.NodeID)
	}
	bodies := storyBodies(t, f.stream)
	if len(bodies) != 1 || bodies[0] != "Redirected to the lobby." {
		t.Fatalf("locked node must not render, got %v", bodies)
	}
}

func TestRedirectLoopIsFatal(t *testing.T) {
	f := newFixture(t)
	f.node(t, "a", "")
	f.node(t, "b", "")
	f.edge(t, "ab", "a", "b")
	f.edge(t, "ba", "b", "a")

	err := f.caps.Register(capability.Capability{
		Name:  "ping-pong",
		Phase: capability.PhaseCheckRedirects,
		Tier:  capability.TierNode,
		Run: func(state any) (capability.Result, error) {
			if state.(*Step).Node.ID() == "a" {
				return capability.Result{EdgeID: "ab"}, nil
			}
			return capability.Result{EdgeID: "ba"}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := f.driver.StepTo(context.Background(), "a"); !errors.Is(err, ErrRedirectLoop) {
		t.Fatalf("expected redirect loop error, got %v", err)
	}
}

func TestContextPrecedenceNarrowWins(t *testing.T) {
	f := newFixture(t)
	parent := f.node(t, "act", "")
	parent.SetLocal("mood", "calm")
	parent.SetLocal("weather", "rain")
	scene := f.node(t, "scene", "Shown.")
	scene.ParentID = "act"
	scene.SetLocal("mood", "tense")
	scene.Conditions = []string{
		`ctx["mood"] == "tense"`,
		`ctx["weather"] == "rain"`,
		`ctx["era"] == "modern"`,
	}
	f.driver.GlobalContext = map[string]any{"era": "modern", "mood": "neutral"}

	res, err := f.driver.StepTo(context.Background(), "scene")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !res.Ready {
		t.Fatalf("expected layered context to satisfy conditions, got %+v", res)
	}
}

func TestFailedConditionReportsNotReady(t *testing.T) {
	f := newFixture(t)
	scene := f.node(t, "scene", "Hidden.")
	scene.Conditions = []string{`ctx["key"] == "present"`}

	res, err := f.driver.StepTo(context.Background(), "scene")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Ready {
		t.Fatal("expected not-ready result")
	}
	if bodies := storyBodies(t, f.stream); len(bodies) != 0 {
		t.Fatalf("gated node must not render, got %v", bodies)
	}
}

func TestUnresolvedHardRequirementReportsUnavailable(t *testing.T) {
	f := newFixture(t)
	scene := f.node(t, "scene", "Needs a torch.")
	scene.Requires = []provision.Requirement{{
		UID:    "need-torch",
		Key:    provision.Key{Domain: "props", Name: "torch"},
		Policy: provision.PolicyExisting,
		Hard:   true,
	}}

	res, err := f.driver.StepTo(context.Background(), "scene")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Ready {
		t.Fatal("expected unavailable node")
	}
	if len(res.UnresolvedHard) != 1 || res.UnresolvedHard[0] != "need-torch" {
		t.Fatalf("expected unresolved hard requirement, got %v", res.UnresolvedHard)
	}

	audits, err := f.stream.Channel(AuditChannel, nil)
	if err != nil {
		t.Fatalf("audit channel: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("expected one audit receipt, got %d", len(audits))
	}
}

func TestRequirementDiscoveredFromAncestor(t *testing.T) {
	f := newFixture(t)
	camp := f.node(t, "camp", "")
	camp.ProvideKeys = []string{"props/torch"}
	scene := f.node(t, "scene", "Lit by the camp torch.")
	scene.ParentID = "camp"
	scene.Requires = []provision.Requirement{{
		UID:    "need-torch",
		Key:    provision.Key{Domain: "props", Name: "torch"},
		Policy: provision.PolicyAny,
		Hard:   true,
	}}

	res, err := f.driver.StepTo(context.Background(), "scene")
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !res.Ready {
		t.Fatalf("expected resolved requirement, got %+v", res)
	}
	if scene.Requires[0].ProviderID != "camp" {
		t.Fatalf("expected camp as provider, got %q", scene.Requires[0].ProviderID)
	}
}

func TestEffectsMutateLocals(t *testing.T) {
	f := newFixture(t)
	scene := f.node(t, "scene", "The torch sputters to life.")
	scene.SetLocal("torch_lit", false)
	scene.Effects = []expr.Effect{{Target: "torch_lit", Source: "true"}}

	if _, err := f.driver.StepTo(context.Background(), "scene"); err != nil {
		t.Fatalf("step: %v", err)
	}
	if scene.Locals["torch_lit"] != true {
		t.Fatalf("expected effect applied, got %v", scene.Locals["torch_lit"])
	}
	if scene.Locals["visits"] != 1 {
		t.Fatalf("expected visit bookkeeping, got %v", scene.Locals["visits"])
	}
}

func TestUnavailableDynamicEdgeReportsNotReady(t *testing.T) {
	f := newFixture(t)
	f.node(t, "start", "")
	e, err := graph.NewDynamicEdge("maybe", "start", "nowhere", "", nil)
	if err != nil {
		t.Fatalf("new dynamic edge: %v", err)
	}
	if err := f.graph.AddEdge(e); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := f.graph.SetCursor("start"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}

	res, err := f.driver.StepEdge(context.Background(), "maybe")
	if err != nil {
		t.Fatalf("unavailable edge must not error: %v", err)
	}
	if res.Ready {
		t.Fatal("expected not-ready result")
	}
	if res.NodeID != "start" {
		t.Fatalf("cursor must stay put, got %s", res.NodeID)
	}
}
