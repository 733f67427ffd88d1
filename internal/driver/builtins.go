package driver

import (
	"fmt"

	"github.com/louisbranch/story-engine/internal/capability"
	"github.com/louisbranch/story-engine/internal/expr"
	"github.com/louisbranch/story-engine/internal/graph"
	"github.com/louisbranch/story-engine/internal/stream"
)

// StoryChannel is the journal channel narrative fragments render to.
const StoryChannel = "story"

// AutoTag aliases the graph's auto-continue edge tag.
const AutoTag = graph.AutoTag

// registerBuiltins installs the default capabilities every session gets:
// context gathering from node, ancestor, domain, and global scopes; the
// node's declared effects; text rendering; visit bookkeeping; and automatic
// continuation along edges tagged "auto".
func (d *Driver) registerBuiltins() error {
	builtins := []capability.Capability{
		{
			Name:  "builtin.gather.node-locals",
			Phase: capability.PhaseGatherContext,
			Tier:  capability.TierNode,
			Run: func(state any) (capability.Result, error) {
				step := state.(*Step)
				return capability.Result{Context: step.Node.Locals}, nil
			},
		},
		{
			Name:  "builtin.gather.ancestor-locals",
			Phase: capability.PhaseGatherContext,
			Tier:  capability.TierAncestors,
			Run: func(state any) (capability.Result, error) {
				step := state.(*Step)
				chain, err := step.Graph.Ancestors(step.Node.ID())
				if err != nil {
					return capability.Result{}, err
				}
				if len(chain) == 0 {
					return capability.Result{}, nil
				}
				// Merge farthest ancestor first so nearer ancestors win
				// within the layer.
				merged := make(map[string]any)
				for i := len(chain) - 1; i >= 0; i-- {
					for k, v := range chain[i].Locals {
						merged[k] = v
					}
				}
				return capability.Result{Context: merged}, nil
			},
		},
		{
			Name:  "builtin.gather.domain",
			Phase: capability.PhaseGatherContext,
			Tier:  capability.TierDomain,
			Run: func(any) (capability.Result, error) {
				return capability.Result{Context: d.DomainContext}, nil
			},
		},
		{
			Name:  "builtin.gather.global",
			Phase: capability.PhaseGatherContext,
			Tier:  capability.TierGlobal,
			Run: func(any) (capability.Result, error) {
				return capability.Result{Context: d.GlobalContext}, nil
			},
		},
		{
			Name:  "builtin.effects.node",
			Phase: capability.PhaseApplyEffects,
			Tier:  capability.TierNode,
			Run: func(state any) (capability.Result, error) {
				step := state.(*Step)
				if len(step.Node.Effects) == 0 {
					return capability.Result{}, nil
				}
				if step.Node.Locals == nil {
					step.Node.Locals = make(map[string]any)
				}
				flat := step.Context.Flatten()
				for _, eff := range step.Node.Effects {
					prg, err := d.program(eff.Source)
					if err != nil {
						return capability.Result{}, err
					}
					compiled := expr.CompiledEffect{Target: eff.Target, Program: prg}
					if err := compiled.Apply(flat, step.Node.Locals); err != nil {
						return capability.Result{}, fmt.Errorf("effect on %q: %w", eff.Target, err)
					}
				}
				return capability.Result{}, nil
			},
		},
		{
			Name:  "builtin.render.text",
			Phase: capability.PhaseRender,
			Tier:  capability.TierNode,
			Run: func(state any) (capability.Result, error) {
				step := state.(*Step)
				if step.Node.Text == "" {
					return capability.Result{}, nil
				}
				rec := stream.NewFragment(StoryChannel, "text", step.Node.Text)
				rec.OriginID = step.Node.ID()
				return capability.Result{Records: []stream.Record{rec}}, nil
			},
		},
		{
			Name:  "builtin.finalize.visits",
			Phase: capability.PhaseFinalize,
			Tier:  capability.TierNode,
			Run: func(state any) (capability.Result, error) {
				step := state.(*Step)
				step.Node.SetLocal("visits", step.Visits+1)
				return capability.Result{}, nil
			},
		},
		{
			Name:  "builtin.continue.auto",
			Phase: capability.PhaseCheckContinues,
			Tier:  capability.TierNode,
			Run: func(state any) (capability.Result, error) {
				step := state.(*Step)
				for _, e := range step.Graph.OutEdges(step.Node.ID()) {
					if e.HasTag(AutoTag) && !e.HasTag(graph.ChoiceTag) {
						return capability.Result{EdgeID: e.ID()}, nil
					}
				}
				return capability.Result{}, nil
			},
		},
	}

	for _, c := range builtins {
		if err := d.Capabilities.Register(c); err != nil {
			return fmt.Errorf("register %s: %w", c.Name, err)
		}
	}
	return nil
}
