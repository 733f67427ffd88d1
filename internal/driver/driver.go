// Package driver implements the traversal step state machine: follow an
// edge, gather context, check redirects, resolve requirements, apply
// effects, render into the journal, finalize, and decide whether to
// continue or yield.
package driver

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/story-engine/internal/capability"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/expr"
	"github.com/louisbranch/story-engine/internal/graph"
	"github.com/louisbranch/story-engine/internal/provision"
	"github.com/louisbranch/story-engine/internal/stream"
)

var tracer = otel.Tracer("github.com/louisbranch/story-engine/internal/driver")

// maxHops bounds redirect and auto-continue chains within one step call. A
// story exceeding it is looping and the step fails instead of spinning.
const maxHops = 32

// ErrRedirectLoop indicates a step exceeded the redirect bound.
var ErrRedirectLoop = apperrors.New(apperrors.CodeRedirectLoop, "redirect loop exceeded step bound")

// Choice is a player-facing outgoing edge of the node a step stopped on.
type Choice struct {
	EdgeID string
	Label  string
}

// Result is what a step hands back to the caller.
type Result struct {
	// NodeID is the node the cursor rests on after the step.
	NodeID string
	// Ready is false when the node could not be entered: an unavailable
	// dynamic edge, a failed condition, or unresolved hard requirements.
	Ready bool
	// Reason explains a not-ready result.
	Reason string
	// UnresolvedHard lists the hard requirements that blocked the node.
	UnresolvedHard []string
	// AwaitingChoice is true when the step stopped to let the player pick.
	AwaitingChoice bool
	// Choices are the player-facing edges when AwaitingChoice is set.
	Choices []Choice
	// StartSeq and EndSeq bound the journal records the step appended,
	// inclusive; both are -1 when nothing was rendered.
	StartSeq int64
	EndSeq   int64
}

// Step is the mutable state threaded through one node visit. Capabilities
// receive it as their untyped state argument.
type Step struct {
	// Graph and Stream are the session's live structures.
	Graph  *graph.Graph
	Stream *stream.Stream
	// Node is the node being visited.
	Node *graph.Node
	// Context is the layered lookup gathered at the start of the visit.
	Context *Context
	// Evaluator compiles and runs the node's expressions.
	Evaluator *expr.Evaluator
	// Visits counts prior visits to this node within the session.
	Visits int
}

// EvalCondition evaluates a boolean expression against the step's context
// and node locals.
func (s *Step) EvalCondition(source string) (bool, error) {
	prg, err := s.Evaluator.Compile(source)
	if err != nil {
		return false, err
	}
	return prg.EvalBool(expr.Vars(s.Context.Flatten(), s.Node.Locals))
}

// Driver owns the per-session traversal machinery. It is single-writer: the
// session layer serializes step calls.
type Driver struct {
	Graph        *graph.Graph
	Stream       *stream.Stream
	Capabilities *capability.Registry
	Resolver     *provision.Resolver
	Evaluator    *expr.Evaluator

	// DomainContext and GlobalContext are the widest context layers,
	// contributed by the session rather than the graph.
	DomainContext map[string]any
	GlobalContext map[string]any

	mu          sync.Mutex
	returnStack []string
	visits      map[string]int
	programs    map[string]*expr.Program
}

// New creates a driver over a session's graph and stream and registers the
// built-in capabilities.
func New(g *graph.Graph, s *stream.Stream, caps *capability.Registry, resolver *provision.Resolver, eval *expr.Evaluator) (*Driver, error) {
	d := &Driver{
		Graph:        g,
		Stream:       s,
		Capabilities: caps,
		Resolver:     resolver,
		Evaluator:    eval,
		visits:       make(map[string]int),
		programs:     make(map[string]*expr.Program),
	}
	if err := d.registerBuiltins(); err != nil {
		return nil, err
	}
	return d, nil
}

// ReturnStack returns a copy of the pending return stack, for persistence.
func (d *Driver) ReturnStack() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.returnStack...)
}

// RestoreReturnStack replaces the return stack, used when reloading a
// persisted session.
func (d *Driver) RestoreReturnStack(stack []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.returnStack = append([]string(nil), stack...)
}

// jump is where the machine goes next: along an edge, or directly to a node
// when popping the return stack or starting a session.
type jump struct {
	edgeID string
	nodeID string
}

// StepEdge performs one traversal step along an edge, following redirects
// and auto-continues until the machine yields.
func (d *Driver) StepEdge(ctx context.Context, edgeID string) (Result, error) {
	return d.run(ctx, jump{edgeID: edgeID})
}

// StepTo performs one traversal step landing directly on a node, used for
// session start and explicit cursor moves.
func (d *Driver) StepTo(ctx context.Context, nodeID string) (Result, error) {
	return d.run(ctx, jump{nodeID: nodeID})
}

func (d *Driver) run(ctx context.Context, next jump) (Result, error) {
	ctx, span := tracer.Start(ctx, "driver.step")
	defer span.End()

	startSeq, endSeq := int64(-1), int64(-1)
	for hops := 0; ; hops++ {
		if hops > maxHops {
			return Result{}, fmt.Errorf("after %d hops: %w", hops, ErrRedirectLoop)
		}
		res, follow, err := d.visit(ctx, next)
		if err != nil {
			return Result{}, err
		}
		if res.StartSeq >= 0 {
			if startSeq < 0 {
				startSeq = res.StartSeq
			}
			endSeq = res.EndSeq
		}
		if follow == (jump{}) {
			res.StartSeq = startSeq
			res.EndSeq = endSeq
			span.SetAttributes(
				attribute.String("story.node_id", res.NodeID),
				attribute.Bool("story.ready", res.Ready),
				attribute.Int("story.hops", hops),
			)
			return res, nil
		}
		next = follow
	}
}

// visit runs the phases for a single node. A non-zero returned jump restarts
// the step there; a zero jump yields the result to the caller.
func (d *Driver) visit(ctx context.Context, next jump) (Result, jump, error) {
	ctx, span := tracer.Start(ctx, "driver.visit", trace.WithAttributes(
		attribute.String("story.edge_id", next.edgeID),
	))
	defer span.End()

	nodeID, ready, reason, err := d.follow(next)
	if err != nil {
		return Result{}, jump{}, err
	}
	if !ready {
		return Result{NodeID: nodeID, Reason: reason, StartSeq: -1, EndSeq: -1}, jump{}, nil
	}

	node, err := d.Graph.Node(nodeID)
	if err != nil {
		return Result{}, jump{}, err
	}
	step := &Step{
		Graph:     d.Graph,
		Stream:    d.Stream,
		Node:      node,
		Context:   &Context{},
		Evaluator: d.Evaluator,
		Visits:    d.visitCount(nodeID),
	}

	// GATHER_CONTEXT: narrowest tier first so the layered lookup reads
	// node-before-ancestor-before-graph.
	for _, tier := range capability.Tiers() {
		for _, c := range d.Capabilities.Select(capability.PhaseGatherContext, tier, step) {
			res, err := c.Run(step)
			if err != nil {
				return Result{}, jump{}, fmt.Errorf("gather %q: %w", c.Name, err)
			}
			step.Context.Push(tier, res.Context)
		}
	}

	// Conditions gate entry; a false condition reports not-ready rather
	// than erroring.
	for _, source := range node.Conditions {
		ok, err := d.evalCondition(step, source)
		if err != nil {
			return Result{}, jump{}, err
		}
		if !ok {
			return Result{NodeID: nodeID, Reason: fmt.Sprintf("condition %q failed", source), StartSeq: -1, EndSeq: -1}, jump{}, nil
		}
	}

	// CHECK_REDIRECTS: the first capability returning an edge wins and the
	// step restarts there before any content is shown.
	for _, tier := range capability.Tiers() {
		for _, c := range d.Capabilities.Select(capability.PhaseCheckRedirects, tier, step) {
			res, err := c.Run(step)
			if err != nil {
				return Result{}, jump{}, fmt.Errorf("redirect %q: %w", c.Name, err)
			}
			if res.EdgeID != "" {
				return Result{StartSeq: -1, EndSeq: -1}, jump{edgeID: res.EdgeID}, nil
			}
		}
	}

	// Requirement resolution. Unresolved hard requirements report the node
	// unavailable without raising.
	if len(node.Requires) > 0 {
		resolutions, unresolvedHard, err := d.Resolver.ResolveAll(ctx, node.Requires, capability.TierNode)
		if err != nil {
			return Result{}, jump{}, err
		}
		for i, res := range resolutions {
			node.Requires[i] = res.Requirement
		}
		if len(unresolvedHard) > 0 {
			return Result{
				NodeID:         nodeID,
				Reason:         "unresolved hard requirements",
				UnresolvedHard: unresolvedHard,
				StartSeq:       -1,
				EndSeq:         -1,
			}, jump{}, nil
		}
	}

	// APPLY_EFFECTS: side effects only, return values ignored.
	for _, tier := range capability.Tiers() {
		for _, c := range d.Capabilities.Select(capability.PhaseApplyEffects, tier, step) {
			if _, err := c.Run(step); err != nil {
				return Result{}, jump{}, fmt.Errorf("effect %q: %w", c.Name, err)
			}
		}
	}

	// RENDER: collect fragments, then push the batch with one bookmark.
	var batch []stream.Record
	for _, tier := range capability.Tiers() {
		for _, c := range d.Capabilities.Select(capability.PhaseRender, tier, step) {
			res, err := c.Run(step)
			if err != nil {
				return Result{}, jump{}, fmt.Errorf("render %q: %w", c.Name, err)
			}
			batch = append(batch, res.Records...)
		}
	}
	startSeq, endSeq := int64(-1), int64(-1)
	if len(batch) > 0 {
		startSeq, endSeq, err = d.Stream.PushRecords(batch, stream.BatchMarkerType, "")
		if err != nil {
			return Result{}, jump{}, err
		}
	}

	// FINALIZE: bookkeeping only.
	for _, tier := range capability.Tiers() {
		for _, c := range d.Capabilities.Select(capability.PhaseFinalize, tier, step) {
			if _, err := c.Run(step); err != nil {
				return Result{}, jump{}, fmt.Errorf("finalize %q: %w", c.Name, err)
			}
		}
	}
	d.recordVisit(nodeID)

	// CHECK_CONTINUES: an edge chains the traversal; otherwise choices
	// yield, then the return stack, then a plain stop.
	for _, tier := range capability.Tiers() {
		for _, c := range d.Capabilities.Select(capability.PhaseCheckContinues, tier, step) {
			res, err := c.Run(step)
			if err != nil {
				return Result{}, jump{}, fmt.Errorf("continue %q: %w", c.Name, err)
			}
			if res.EdgeID != "" {
				return Result{StartSeq: startSeq, EndSeq: endSeq}, jump{edgeID: res.EdgeID}, nil
			}
		}
	}

	if choices := d.Graph.ChoiceEdges(nodeID); len(choices) > 0 {
		out := make([]Choice, 0, len(choices))
		for _, e := range choices {
			out = append(out, Choice{EdgeID: e.ID(), Label: e.Label})
		}
		return Result{
			NodeID:         nodeID,
			Ready:          true,
			AwaitingChoice: true,
			Choices:        out,
			StartSeq:       startSeq,
			EndSeq:         endSeq,
		}, jump{}, nil
	}

	if popped, ok := d.popReturn(); ok {
		return Result{StartSeq: startSeq, EndSeq: endSeq}, jump{nodeID: popped}, nil
	}

	return Result{NodeID: nodeID, Ready: true, StartSeq: startSeq, EndSeq: endSeq}, jump{}, nil
}

// follow moves the cursor along a jump. It returns the landed node id and
// whether the move succeeded; an unavailable dynamic edge reports not-ready
// on the current node instead of erroring.
func (d *Driver) follow(next jump) (string, bool, string, error) {
	if next.nodeID != "" {
		if err := d.Graph.SetCursor(next.nodeID); err != nil {
			return "", false, "", err
		}
		return next.nodeID, true, "", nil
	}

	edge, err := d.Graph.Edge(next.edgeID)
	if err != nil {
		return "", false, "", err
	}
	successor, ok, err := d.Graph.ResolveSuccessor(next.edgeID)
	if err != nil {
		return "", false, "", err
	}
	if !ok {
		cursor, _ := d.Graph.Cursor()
		return cursor, false, fmt.Sprintf("edge %q is unavailable", next.edgeID), nil
	}
	if edge.ReturnAfter {
		d.pushReturn(edge.PredecessorID)
	}
	if err := d.Graph.SetCursor(successor); err != nil {
		return "", false, "", err
	}
	return successor, true, "", nil
}

func (d *Driver) pushReturn(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.returnStack = append(d.returnStack, nodeID)
}

func (d *Driver) popReturn() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.returnStack) == 0 {
		return "", false
	}
	top := d.returnStack[len(d.returnStack)-1]
	d.returnStack = d.returnStack[:len(d.returnStack)-1]
	return top, true
}

func (d *Driver) visitCount(nodeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visits[nodeID]
}

func (d *Driver) recordVisit(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visits[nodeID]++
}

// evalCondition evaluates a gating expression, caching compiled programs
// per source.
func (d *Driver) evalCondition(step *Step, source string) (bool, error) {
	prg, err := d.program(source)
	if err != nil {
		return false, err
	}
	return prg.EvalBool(expr.Vars(step.Context.Flatten(), step.Node.Locals))
}

func (d *Driver) program(source string) (*expr.Program, error) {
	d.mu.Lock()
	if prg, ok := d.programs[source]; ok {
		d.mu.Unlock()
		return prg, nil
	}
	d.mu.Unlock()

	prg, err := d.Evaluator.Compile(source)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.programs[source] = prg
	d.mu.Unlock()
	return prg, nil
}
