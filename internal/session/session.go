// Package session exposes the per-story-session surface: stepping the
// traversal, reading journal sections, evaluating expressions, and
// persistence. A session owns its graph and stream exclusively; a per-session
// lock serializes every operation, which is the engine's entire concurrency
// model.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/louisbranch/story-engine/internal/capability"
	"github.com/louisbranch/story-engine/internal/driver"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/expr"
	"github.com/louisbranch/story-engine/internal/graph"
	"github.com/louisbranch/story-engine/internal/id"
	"github.com/louisbranch/story-engine/internal/provision"
	"github.com/louisbranch/story-engine/internal/script"
	"github.com/louisbranch/story-engine/internal/storage"
	"github.com/louisbranch/story-engine/internal/stream"
)

// MaterializeStrategy is the name of the default creation strategy backed by
// the script's template registry.
const MaterializeStrategy = "materialize"

// Status is a point-in-time view of a session.
type Status struct {
	UID            string
	Title          string
	NodeID         string
	Ready          bool
	AwaitingChoice bool
	Choices        []driver.Choice
	Dirty          bool
	MaxSeq         int64
}

// Session runs one story for one caller.
type Session struct {
	mu sync.Mutex

	uid      string
	script   string
	compiled *script.Compiled

	graph  *graph.Graph
	stream *stream.Stream
	driver *driver.Driver
	eval   *expr.Evaluator

	started bool
	dirty   bool
	last    driver.Result
}

// New creates a session over a compiled script. The uid may be empty, in
// which case one is assigned. The session takes ownership of the compiled
// graph; compile the script once per session.
func New(uid, scriptName string, compiled *script.Compiled) (*Session, error) {
	if uid == "" {
		var err error
		uid, err = id.NewID()
		if err != nil {
			return nil, fmt.Errorf("assign session uid: %w", err)
		}
	}

	eval, err := expr.NewEvaluator()
	if err != nil {
		return nil, err
	}
	journal := stream.New()
	caps := capability.NewRegistry()
	g := compiled.Graph

	resolver := provision.NewResolver(
		driver.CursorScope{Graph: g},
		driver.SelectionAudit{Stream: journal},
	)
	if err := resolver.RegisterStrategy(MaterializeStrategy, materializeStrategy(g, compiled)); err != nil {
		return nil, err
	}

	drv, err := driver.New(g, journal, caps, resolver, eval)
	if err != nil {
		return nil, err
	}

	return &Session{
		uid:      uid,
		script:   scriptName,
		compiled: compiled,
		graph:    g,
		stream:   journal,
		driver:   drv,
		eval:     eval,
	}, nil
}

// materializeStrategy creates requirement providers from the script's
// template registry and registers them into the session's graph.
func materializeStrategy(g *graph.Graph, compiled *script.Compiled) provision.Strategy {
	return func(_ context.Context, req provision.Requirement) (string, error) {
		if req.TemplateLabel == "" {
			return "", apperrors.New(apperrors.CodeRequirementInvalid,
				fmt.Sprintf("requirement %s allows creation but names no template", req.Key))
		}
		node, err := compiled.Templates.MaterializeNode(req.TemplateLabel, nil)
		if err != nil {
			return "", err
		}
		if err := g.AddNode(node); err != nil {
			return "", err
		}
		return node.ID(), nil
	}
}

// UID returns the session id.
func (s *Session) UID() string { return s.uid }

// Stream exposes the session's journal for read access.
func (s *Session) Stream() *stream.Stream { return s.stream }

// Start places the cursor on the script's start scene and runs the first
// step.
func (s *Session) Start(ctx context.Context) (driver.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return s.last, nil
	}
	res, err := s.driver.StepTo(ctx, s.compiled.StartID)
	if err != nil {
		return driver.Result{}, err
	}
	s.started = true
	s.last = res
	return res, nil
}

// DoAction follows a player-chosen edge. The action id is the edge id from a
// previous result's choices; payload entries become session-wide domain
// context visible to subsequent expressions.
func (s *Session) DoAction(ctx context.Context, actionID string, payload map[string]any) (driver.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	edge, err := s.graph.Edge(actionID)
	if err != nil {
		return driver.Result{}, apperrors.Wrap(apperrors.CodeActionInvalid,
			fmt.Sprintf("unknown action %q", actionID), err)
	}
	cursor, err := s.graph.Cursor()
	if err != nil {
		return driver.Result{}, err
	}
	if edge.PredecessorID != cursor {
		return driver.Result{}, apperrors.New(apperrors.CodeActionInvalid,
			fmt.Sprintf("action %q does not leave the current node %q", actionID, cursor))
	}

	if len(payload) > 0 {
		if s.driver.DomainContext == nil {
			s.driver.DomainContext = make(map[string]any)
		}
		for k, v := range payload {
			s.driver.DomainContext[k] = v
		}
	}

	res, err := s.driver.StepEdge(ctx, actionID)
	if err != nil {
		return driver.Result{}, err
	}
	s.last = res
	return res, nil
}

// GetUpdate returns the journal section at the named batch marker. An empty
// name or "latest" returns the most recent batch.
func (s *Session) GetUpdate(section string) ([]stream.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if section == "" {
		section = stream.LatestMarker
	}
	return s.stream.GetSection(section, stream.BatchMarkerType)
}

// GetStatus returns a point-in-time view of the session.
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		UID:            s.uid,
		Title:          s.compiled.Title,
		NodeID:         s.last.NodeID,
		Ready:          s.last.Ready,
		AwaitingChoice: s.last.AwaitingChoice,
		Choices:        s.last.Choices,
		Dirty:          s.dirty,
		MaxSeq:         s.stream.MaxSeq(),
	}
}

// GotoNode forces the cursor onto a node and steps there. Jumping outside
// the story's own edges marks the session dirty.
func (s *Session) GotoNode(ctx context.Context, nodeID string) (driver.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.driver.StepTo(ctx, nodeID)
	if err != nil {
		return driver.Result{}, err
	}
	s.dirty = true
	s.started = true
	s.last = res
	return res, nil
}

// CheckExpr evaluates a boolean expression against the current node's
// context without mutating anything.
func (s *Session) CheckExpr(source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.graph.CurrentNode()
	if err != nil {
		return false, err
	}
	prg, err := s.eval.Compile(source)
	if err != nil {
		return false, err
	}
	return prg.EvalBool(expr.Vars(s.contextFor(node), node.Locals))
}

// ApplyEffect applies one mutation to the current node's locals and records
// a receipt in the journal.
func (s *Session) ApplyEffect(target, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, err := s.graph.CurrentNode()
	if err != nil {
		return err
	}
	compiled, err := s.eval.CompileEffect(expr.Effect{Target: target, Source: source})
	if err != nil {
		return err
	}
	if node.Locals == nil {
		node.Locals = make(map[string]any)
	}
	if err := compiled.Apply(s.contextFor(node), node.Locals); err != nil {
		return err
	}

	rec := stream.NewReceipt("effect.apply", node.ID(), map[string]any{
		"target": target,
		"expr":   source,
	})
	rec.OriginID = node.ID()
	if _, err := s.stream.AddRecord(rec); err != nil {
		return err
	}
	return nil
}

// contextFor builds the layered lookup outside a step: global, then domain,
// then ancestor locals, then the node's own, narrower winning.
func (s *Session) contextFor(node *graph.Node) map[string]any {
	flat := make(map[string]any)
	for k, v := range s.driver.GlobalContext {
		flat[k] = v
	}
	for k, v := range s.driver.DomainContext {
		flat[k] = v
	}
	if chain, err := s.graph.Ancestors(node.ID()); err == nil {
		for i := len(chain) - 1; i >= 0; i-- {
			for k, v := range chain[i].Locals {
				flat[k] = v
			}
		}
	}
	for k, v := range node.Locals {
		flat[k] = v
	}
	return flat
}

// State captures the session for persistence.
func (s *Session) State() storage.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, _ := s.graph.Cursor()
	return storage.SessionState{
		UID:         s.uid,
		Script:      s.script,
		CursorID:    cursor,
		ReturnStack: s.driver.ReturnStack(),
		Records:     s.stream.Records(),
		Markers:     s.stream.Markers(),
	}
}

// Resume rebuilds a session from persisted state. The script is recompiled
// by the caller; the journal and traversal position replay on top.
func Resume(state storage.SessionState, compiled *script.Compiled) (*Session, error) {
	s, err := New(state.UID, state.Script, compiled)
	if err != nil {
		return nil, err
	}
	restored, err := storage.RestoreStream(state)
	if err != nil {
		return nil, err
	}
	s.stream = restored
	s.driver.Stream = restored
	s.driver.Resolver = provision.NewResolver(
		driver.CursorScope{Graph: s.graph},
		driver.SelectionAudit{Stream: restored},
	)
	if err := s.driver.Resolver.RegisterStrategy(MaterializeStrategy, materializeStrategy(s.graph, compiled)); err != nil {
		return nil, err
	}
	s.driver.RestoreReturnStack(state.ReturnStack)
	if state.CursorID != "" {
		if err := s.graph.SetCursor(state.CursorID); err != nil {
			return nil, err
		}
		s.started = true
		s.last = driver.Result{NodeID: state.CursorID, Ready: true}
		// Re-offer the cursor's choices so a resumed session is actionable
		// without re-rendering the node.
		if edges := s.graph.ChoiceEdges(state.CursorID); len(edges) > 0 {
			choices := make([]driver.Choice, 0, len(edges))
			for _, e := range edges {
				choices = append(choices, driver.Choice{EdgeID: e.ID(), Label: e.Label})
			}
			s.last.AwaitingChoice = true
			s.last.Choices = choices
		}
	}
	return s, nil
}
