package graph

import (
	"fmt"

	"github.com/louisbranch/story-engine/internal/entity"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
)

const (
	// ChoiceTag marks an edge as a player choice; a node whose outgoing
	// edges carry it yields control instead of auto-continuing.
	ChoiceTag = "choice"
	// AutoTag marks an edge the traversal follows automatically during the
	// continue check.
	AutoTag = "auto"
)

// Edge connects a predecessor node to a successor node.
//
// A plain edge has both endpoints fixed at creation. A dynamic edge resolves
// its successor lazily through one of three methods, tried in order: direct
// reference lookup by label, materialization from a template, or a criteria
// search taking the first match. The first successful resolution is cached
// as the successor id; an unsatisfiable method leaves the edge unavailable,
// which is a normal state, not an error.
type Edge struct {
	entity.Entity
	// PredecessorID is the node the edge leaves from.
	PredecessorID string
	// SuccessorID is the node the edge leads to. For a dynamic edge it is
	// empty until resolution succeeds.
	SuccessorID string
	// ReturnAfter pushes the predecessor onto the return stack when the
	// edge is followed.
	ReturnAfter bool

	// Dynamic resolution methods, in the order they are tried.
	Ref           string
	TemplateLabel string
	Criteria      entity.Criteria

	dynamic bool
}

// NewEdge creates a plain edge with fixed endpoints.
func NewEdge(uid, predecessorID, successorID string) (*Edge, error) {
	if predecessorID == "" || successorID == "" {
		return nil, apperrors.New(apperrors.CodeEdgeEndpoints,
			"plain edge requires both predecessor and successor")
	}
	return &Edge{
		Entity:        entity.New(uid, ""),
		PredecessorID: predecessorID,
		SuccessorID:   successorID,
	}, nil
}

// NewDynamicEdge creates an edge whose successor is resolved on demand. An
// edge declaring none of the resolution methods is a construction error.
func NewDynamicEdge(uid, predecessorID string, ref, templateLabel string, criteria entity.Criteria) (*Edge, error) {
	if predecessorID == "" {
		return nil, apperrors.New(apperrors.CodeEdgeEndpoints,
			"dynamic edge requires a predecessor")
	}
	if ref == "" && templateLabel == "" && len(criteria) == 0 {
		return nil, apperrors.New(apperrors.CodeEdgeNoResolution,
			fmt.Sprintf("dynamic edge from %q declares no resolution method", predecessorID))
	}
	return &Edge{
		Entity:        entity.New(uid, ""),
		PredecessorID: predecessorID,
		Ref:           ref,
		TemplateLabel: templateLabel,
		Criteria:      criteria,
		dynamic:       true,
	}, nil
}

// Dynamic reports whether the edge resolves its successor lazily.
func (e *Edge) Dynamic() bool { return e.dynamic }

// Resolved reports whether the edge currently has a successor.
func (e *Edge) Resolved() bool { return e.SuccessorID != "" }

// ClearResolution drops a dynamic edge's cached successor so the next
// resolution attempt runs again. A no-op on plain edges.
func (e *Edge) ClearResolution() {
	if e.dynamic {
		e.SuccessorID = ""
	}
}

// MatchKey extends entity matching with "predecessor" and "successor"
// criteria.
func (e *Edge) MatchKey(key string, value any) (bool, error) {
	switch key {
	case "predecessor":
		s, ok := value.(string)
		return ok && e.PredecessorID == s, nil
	case "successor":
		s, ok := value.(string)
		return ok && e.SuccessorID == s, nil
	default:
		return e.Entity.MatchKey(key, value)
	}
}
