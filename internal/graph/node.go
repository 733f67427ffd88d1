package graph

import (
	"github.com/louisbranch/story-engine/internal/entity"
	"github.com/louisbranch/story-engine/internal/expr"
	"github.com/louisbranch/story-engine/internal/provision"
)

// Node is a graph element the cursor can rest on: a scene, a beat, or a
// provider created on demand. Nodes hold ids, never live references; the
// owning graph resolves them.
type Node struct {
	entity.Entity
	// Kind is the stable discriminator the constructor registry maps to a
	// concrete builder at load time.
	Kind string
	// Locals are node-scoped context values layered into a step's lookup.
	Locals map[string]any
	// ParentID names the structural parent, forming the ancestor chain.
	ParentID string
	// ProvideKeys are the provision keys this node satisfies.
	ProvideKeys []string
	// Requires are the requirements resolved before the node's content is
	// shown.
	Requires []provision.Requirement
	// Conditions gate the node; all must evaluate true for it to be entered.
	Conditions []string
	// Effects are the declarative mutations applied when the node is entered.
	Effects []expr.Effect
	// Text is the narrative body rendered when the node is entered.
	Text string
}

// Provides returns the provision keys the node satisfies.
func (n *Node) Provides() []string { return n.ProvideKeys }

// MatchKey extends entity matching with "kind", "parent", and "provides"
// criteria.
func (n *Node) MatchKey(key string, value any) (bool, error) {
	switch key {
	case "kind":
		s, ok := value.(string)
		return ok && n.Kind == s, nil
	case "parent":
		s, ok := value.(string)
		return ok && n.ParentID == s, nil
	case "provides":
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		for _, p := range n.ProvideKeys {
			if p == s {
				return true, nil
			}
		}
		return false, nil
	default:
		return n.Entity.MatchKey(key, value)
	}
}

// Local returns a node-scoped context value.
func (n *Node) Local(key string) (any, bool) {
	v, ok := n.Locals[key]
	return v, ok
}

// SetLocal sets a node-scoped context value.
func (n *Node) SetLocal(key string, value any) {
	if n.Locals == nil {
		n.Locals = make(map[string]any)
	}
	n.Locals[key] = value
}
