// Package graph holds the live node/edge set for one story session and the
// movable traversal cursor.
//
// The graph is an arena: it owns a dense id-indexed registry of nodes and
// edges, and everything else refers to them by id through the graph's
// accessors. Nodes and edges never point back at the graph or at each other.
package graph

import (
	"fmt"
	"sync"

	"github.com/louisbranch/story-engine/internal/capability"
	"github.com/louisbranch/story-engine/internal/entity"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/id"
	"github.com/louisbranch/story-engine/internal/provision"
)

// ErrCursorUnset indicates a traversal operation before the cursor was
// placed on a node.
var ErrCursorUnset = apperrors.New(apperrors.CodeCursorUnset, "graph cursor is not set")

// Materializer builds a node from a registered template so a dynamic edge
// can create its successor on demand.
type Materializer interface {
	MaterializeNode(label string, overrides map[string]any) (*Node, error)
}

// Graph owns the nodes, edges, and cursor of one story session. It is not
// safe for concurrent mutation by multiple writers; the session layer holds
// a per-session lock around each step.
type Graph struct {
	mu           sync.RWMutex
	nodes        *entity.Registry[*Node]
	edges        *entity.Registry[*Edge]
	cursorID     string
	materializer Materializer
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes: entity.NewRegistry[*Node](),
		edges: entity.NewRegistry[*Edge](),
	}
}

// SetMaterializer wires the template materializer dynamic edges resolve
// through.
func (g *Graph) SetMaterializer(m Materializer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.materializer = m
}

// AddNode registers a node, assigning a uid when missing.
func (g *Graph) AddNode(n *Node) error {
	if n.UID == "" {
		uid, err := id.NewID()
		if err != nil {
			return fmt.Errorf("assign node uid: %w", err)
		}
		n.UID = uid
	}
	return g.nodes.Add(n)
}

// AddEdge registers an edge, assigning a uid when missing. Both declared
// endpoints must already exist in the graph.
func (g *Graph) AddEdge(e *Edge) error {
	if e.UID == "" {
		uid, err := id.NewID()
		if err != nil {
			return fmt.Errorf("assign edge uid: %w", err)
		}
		e.UID = uid
	}
	if !g.nodes.Has(e.PredecessorID) {
		return apperrors.New(apperrors.CodeEdgeEndpoints,
			fmt.Sprintf("edge %q: unknown predecessor %q", e.UID, e.PredecessorID))
	}
	if e.SuccessorID != "" && !g.nodes.Has(e.SuccessorID) {
		return apperrors.New(apperrors.CodeEdgeEndpoints,
			fmt.Sprintf("edge %q: unknown successor %q", e.UID, e.SuccessorID))
	}
	return g.edges.Add(e)
}

// Node returns the node with the given id.
func (g *Graph) Node(nodeID string) (*Node, error) {
	return g.nodes.Get(nodeID)
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(edgeID string) (*Edge, error) {
	return g.edges.Get(edgeID)
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node { return g.nodes.List() }

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []*Edge { return g.edges.List() }

// FindNodes returns the nodes matching a criteria conjunction.
func (g *Graph) FindNodes(criteria entity.Criteria) ([]*Node, error) {
	return g.nodes.Find(criteria)
}

// FindOneNode returns the first node matching a criteria conjunction.
func (g *Graph) FindOneNode(criteria entity.Criteria) (*Node, error) {
	return g.nodes.FindOne(criteria)
}

// NodeByLabel returns the node with the given label.
func (g *Graph) NodeByLabel(label string) (*Node, error) {
	return g.nodes.FindOne(entity.Criteria{"label": label})
}

// Cursor returns the current node id, or ErrCursorUnset before placement.
func (g *Graph) Cursor() (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cursorID == "" {
		return "", ErrCursorUnset
	}
	return g.cursorID, nil
}

// SetCursor moves the cursor onto an existing node.
func (g *Graph) SetCursor(nodeID string) error {
	if !g.nodes.Has(nodeID) {
		return fmt.Errorf("cursor target %q: %w", nodeID, entity.ErrNotFound)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cursorID = nodeID
	return nil
}

// CurrentNode returns the node under the cursor.
func (g *Graph) CurrentNode() (*Node, error) {
	cursorID, err := g.Cursor()
	if err != nil {
		return nil, err
	}
	return g.nodes.Get(cursorID)
}

// OutEdges returns the edges leaving a node, in insertion order.
func (g *Graph) OutEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range g.edges.List() {
		if e.PredecessorID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// ChoiceEdges returns the outgoing edges tagged as player choices.
func (g *Graph) ChoiceEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range g.OutEdges(nodeID) {
		if e.HasTag(ChoiceTag) {
			out = append(out, e)
		}
	}
	return out
}

// Ancestors returns the chain of structural parents of a node, nearest
// first. A parent cycle is a construction-time data error and fails.
func (g *Graph) Ancestors(nodeID string) ([]*Node, error) {
	node, err := g.nodes.Get(nodeID)
	if err != nil {
		return nil, err
	}
	var chain []*Node
	seen := map[string]bool{nodeID: true}
	for node.ParentID != "" {
		if seen[node.ParentID] {
			return nil, apperrors.New(apperrors.CodeEdgeEndpoints,
				fmt.Sprintf("parent cycle through node %q", node.ParentID))
		}
		seen[node.ParentID] = true
		parent, err := g.nodes.Get(node.ParentID)
		if err != nil {
			return nil, fmt.Errorf("ancestor of %q: %w", nodeID, err)
		}
		chain = append(chain, parent)
		node = parent
	}
	return chain, nil
}

// ResolveSuccessor returns an edge's successor id, resolving a dynamic edge
// on first access.
//
// The resolution methods are tried in a fixed order: direct reference lookup
// by label, materialization from the edge's template, then criteria search
// taking the first match. A successful resolution is cached on the edge and
// not repeated. When every declared method comes up empty the edge is
// unavailable: the second return is false and err is nil.
func (g *Graph) ResolveSuccessor(edgeID string) (string, bool, error) {
	edge, err := g.edges.Get(edgeID)
	if err != nil {
		return "", false, err
	}
	if edge.Resolved() {
		return edge.SuccessorID, true, nil
	}
	if !edge.Dynamic() {
		return "", false, apperrors.New(apperrors.CodeEdgeEndpoints,
			fmt.Sprintf("edge %q has no successor", edgeID))
	}

	if edge.Ref != "" {
		node, err := g.NodeByLabel(edge.Ref)
		if err == nil {
			edge.SuccessorID = node.ID()
			return edge.SuccessorID, true, nil
		}
		if !apperrors.IsCode(err, apperrors.CodeNotFound) {
			return "", false, err
		}
	}

	if edge.TemplateLabel != "" {
		g.mu.RLock()
		m := g.materializer
		g.mu.RUnlock()
		if m != nil {
			node, err := m.MaterializeNode(edge.TemplateLabel, nil)
			if err != nil {
				if apperrors.IsCode(err, apperrors.CodeTemplateNotFound) {
					// Unavailable, fall through to the next method.
				} else {
					return "", false, fmt.Errorf("materialize successor of edge %q: %w", edgeID, err)
				}
			} else {
				if err := g.AddNode(node); err != nil {
					return "", false, fmt.Errorf("register materialized successor: %w", err)
				}
				edge.SuccessorID = node.ID()
				return edge.SuccessorID, true, nil
			}
		}
	}

	if len(edge.Criteria) > 0 {
		node, err := g.nodes.FindOne(edge.Criteria)
		if err == nil {
			edge.SuccessorID = node.ID()
			return edge.SuccessorID, true, nil
		}
		if !apperrors.IsCode(err, apperrors.CodeNotFound) {
			return "", false, err
		}
	}

	return "", false, nil
}

// Scope is the graph-local provisioning view for a node: it exposes the
// node, its ancestors, and the whole graph as candidate tiers. Domain and
// global tiers are contributed by the session layer.
type Scope struct {
	Graph  *Graph
	NodeID string
}

// Candidates implements provision.Source over the graph's tiers.
func (s Scope) Candidates(tier capability.Tier, _ provision.Key) []provision.Candidate {
	switch tier {
	case capability.TierNode:
		node, err := s.Graph.Node(s.NodeID)
		if err != nil {
			return nil
		}
		return []provision.Candidate{node}
	case capability.TierAncestors:
		chain, err := s.Graph.Ancestors(s.NodeID)
		if err != nil {
			return nil
		}
		out := make([]provision.Candidate, 0, len(chain))
		for _, n := range chain {
			out = append(out, n)
		}
		return out
	case capability.TierGraph:
		nodes := s.Graph.Nodes()
		out := make([]provision.Candidate, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, n)
		}
		return out
	default:
		return nil
	}
}
