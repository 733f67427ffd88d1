package driver

import (
	"github.com/louisbranch/story-engine/internal/capability"
	"github.com/louisbranch/story-engine/internal/graph"
	"github.com/louisbranch/story-engine/internal/provision"
)

// CursorScope is a provisioning source anchored at the graph's cursor: the
// node tier is whatever node the traversal currently rests on.
type CursorScope struct {
	Graph *graph.Graph
	// Domain and Global contribute candidates beyond the graph, typically
	// shared provider nodes owned by the session.
	Domain []provision.Candidate
	Global []provision.Candidate
}

// Candidates implements provision.Source.
func (s CursorScope) Candidates(tier capability.Tier, key provision.Key) []provision.Candidate {
	switch tier {
	case capability.TierDomain:
		return s.Domain
	case capability.TierGlobal:
		return s.Global
	default:
		cursor, err := s.Graph.Cursor()
		if err != nil {
			return nil
		}
		return graph.Scope{Graph: s.Graph, NodeID: cursor}.Candidates(tier, key)
	}
}
