// Package capability defines the phase- and tier-scoped handlers consulted
// during a traversal step, and the registry that orders them.
//
// A capability is a unit of work scheduled by (phase, tier, priority). The
// registry sorts its handler list once, at build time, and consults it in a
// fixed deterministic order: ascending by phase, then tier, then descending
// priority, with registration order breaking ties. There is no runtime
// introspection; handlers are plain closures over an untyped step state.
package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/stream"
)

// Phase is one of the six fixed stages of a traversal step.
type Phase int

const (
	// PhaseGatherContext collects context layers for the step.
	PhaseGatherContext Phase = iota
	// PhaseCheckRedirects lets handlers divert the step to another edge
	// before content is shown.
	PhaseCheckRedirects
	// PhaseApplyEffects runs state mutations; return values are ignored.
	PhaseApplyEffects
	// PhaseRender collects output fragments for the journal.
	PhaseRender
	// PhaseFinalize runs bookkeeping after rendering; mutate only.
	PhaseFinalize
	// PhaseCheckContinues lets handlers chain the traversal to another edge
	// without yielding to the caller.
	PhaseCheckContinues
)

var phaseNames = map[Phase]string{
	PhaseGatherContext:  "gather_context",
	PhaseCheckRedirects: "check_redirects",
	PhaseApplyEffects:   "apply_effects",
	PhaseRender:         "render",
	PhaseFinalize:       "finalize",
	PhaseCheckContinues: "check_continues",
}

// String returns the phase's wire name.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Valid reports whether the phase is one of the six defined stages.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Phases lists all phases in execution order.
func Phases() []Phase {
	return []Phase{
		PhaseGatherContext,
		PhaseCheckRedirects,
		PhaseApplyEffects,
		PhaseRender,
		PhaseFinalize,
		PhaseCheckContinues,
	}
}

// Tier is the scope breadth a capability applies at, from narrowest to
// widest.
type Tier int

const (
	// TierNode scopes a capability to the current node.
	TierNode Tier = iota
	// TierAncestors scopes a capability to the chain of structural parents.
	TierAncestors
	// TierGraph scopes a capability to the whole graph.
	TierGraph
	// TierDomain scopes a capability to the story domain.
	TierDomain
	// TierGlobal applies everywhere.
	TierGlobal
)

var tierNames = map[Tier]string{
	TierNode:      "node",
	TierAncestors: "ancestors",
	TierGraph:     "graph",
	TierDomain:    "domain",
	TierGlobal:    "global",
}

// String returns the tier's wire name.
func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether the tier is one of the five defined scopes.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// Tiers lists all tiers from narrowest to widest.
func Tiers() []Tier {
	return []Tier{TierNode, TierAncestors, TierGraph, TierDomain, TierGlobal}
}

// Distance returns the absolute tier distance between two tiers, used as a
// proximity measure when ranking provisioning offers.
func Distance(a, b Tier) int {
	d := int(a) - int(b)
	if d < 0 {
		d = -d
	}
	return d
}

// Result is what a capability hands back to the step machine. Which fields
// are interpreted depends on the phase: context layers during gather,
// an edge id during redirect/continue checks, records during render.
type Result struct {
	// Context is a context layer merged into the step's layered lookup.
	Context map[string]any
	// EdgeID diverts the traversal when returned from check phases.
	EdgeID string
	// Records are output fragments collected during render.
	Records []stream.Record
}

// Capability is a registered handler.
type Capability struct {
	// Name identifies the capability in audit output.
	Name string
	// Phase and Tier scope when the capability is consulted.
	Phase Phase
	Tier  Tier
	// Priority orders capabilities within a tier; higher runs first.
	Priority int
	// When gates the capability for the current step state. A nil predicate
	// always passes.
	When func(state any) bool
	// Run executes the capability against the current step state.
	Run func(state any) (Result, error)

	order int
}

// Registry holds the registered capabilities, sorted once.
type Registry struct {
	mu     sync.RWMutex
	items  []Capability
	sorted bool
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a capability. Scope and handler problems are configuration
// errors and fail at registration time.
func (r *Registry) Register(c Capability) error {
	if strings.TrimSpace(c.Name) == "" {
		return apperrors.New(apperrors.CodeCapabilityInvalid, "capability name is required")
	}
	if !c.Phase.Valid() {
		return apperrors.New(apperrors.CodeCapabilityInvalid,
			fmt.Sprintf("capability %q: invalid phase %d", c.Name, int(c.Phase)))
	}
	if !c.Tier.Valid() {
		return apperrors.New(apperrors.CodeCapabilityInvalid,
			fmt.Sprintf("capability %q: invalid tier %d", c.Name, int(c.Tier)))
	}
	if c.Run == nil {
		return apperrors.New(apperrors.CodeCapabilityInvalid,
			fmt.Sprintf("capability %q: run function is required", c.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c.order = len(r.items)
	r.items = append(r.items, c)
	r.sorted = false
	return nil
}

// Select returns the capabilities for a phase and tier whose predicate
// passes, in deterministic execution order.
func (r *Registry) Select(phase Phase, tier Tier, state any) []Capability {
	r.mu.Lock()
	r.sortLocked()
	items := r.items
	r.mu.Unlock()

	var selected []Capability
	for _, c := range items {
		if c.Phase != phase || c.Tier != tier {
			continue
		}
		if c.When != nil && !c.When(state) {
			continue
		}
		selected = append(selected, c)
	}
	return selected
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// sortLocked orders capabilities by (phase, tier, -priority) with
// registration order as the stable tie-break.
func (r *Registry) sortLocked() {
	if r.sorted {
		return
	}
	sort.SliceStable(r.items, func(i, j int) bool {
		a, b := r.items[i], r.items[j]
		if a.Phase != b.Phase {
			return a.Phase < b.Phase
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.order < b.order
	})
	r.sorted = true
}
