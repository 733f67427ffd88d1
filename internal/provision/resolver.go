package provision

import (
	"context"
	"fmt"
	"sync"

	"github.com/louisbranch/story-engine/internal/capability"
	"github.com/louisbranch/story-engine/internal/entity"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
)

var (
	// ErrStrategyNotRegistered indicates a requirement declared a creation
	// strategy name the resolver does not know.
	ErrStrategyNotRegistered = apperrors.New(apperrors.CodeStrategyNotRegistered, "creation strategy is not registered")
)

// Candidate is an element that can be offered as a provider.
type Candidate interface {
	entity.Matchable
	ID() string
	Provides() []string
}

// Source enumerates the candidates visible at a scope tier, in a stable
// order. Tiers the source has nothing for return an empty slice.
type Source interface {
	Candidates(tier capability.Tier, key Key) []Candidate
}

// Strategy creates a provider for a requirement and returns its id.
type Strategy func(ctx context.Context, req Requirement) (string, error)

// AuditEntry records one resolution attempt: every offer considered and
// what was chosen, or why nothing was.
type AuditEntry struct {
	RequirementUID string
	Key            string
	Hard           bool
	Offers         []Offer
	ChosenID       string
	ChosenOp       Op
	Reason         string
}

// AuditSink receives audit entries as resolutions happen.
type AuditSink interface {
	RecordSelection(entry AuditEntry)
}

// Resolution is the outcome of resolving one requirement.
type Resolution struct {
	// Requirement is the input with ProviderID filled in on success.
	Requirement Requirement
	// Op is how the requirement was satisfied.
	Op Op
	// Resolved reports whether a provider was assigned.
	Resolved bool
}

// Resolver satisfies requirements by ranking offers across scope tiers.
//
// Discovery walks tiers from the requirement's starting tier outward and
// collects an offer per visible candidate; creation contributes a single,
// more expensive offer when the policy allows it. The cheapest offer wins,
// with proximity and registration order as tie-breaks.
type Resolver struct {
	mu         sync.RWMutex
	source     Source
	strategies map[string]Strategy
	defaultStr string
	audit      AuditSink
}

// NewResolver creates a resolver over a candidate source. A nil audit sink
// disables auditing.
func NewResolver(source Source, audit AuditSink) *Resolver {
	return &Resolver{
		source:     source,
		strategies: make(map[string]Strategy),
		audit:      audit,
	}
}

// RegisterStrategy registers a named creation strategy. The first registered
// strategy becomes the default for requirements that do not name one.
func (r *Resolver) RegisterStrategy(name string, s Strategy) error {
	if name == "" || s == nil {
		return apperrors.New(apperrors.CodeStrategyNotRegistered, "strategy name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[name]; exists {
		return apperrors.New(apperrors.CodeStrategyNotRegistered,
			fmt.Sprintf("strategy %q is already registered", name))
	}
	if len(r.strategies) == 0 {
		r.defaultStr = name
	}
	r.strategies[name] = s
	return nil
}

// Resolve satisfies a single requirement starting at the given tier.
//
// An unresolved requirement is not an error; the caller inspects
// Resolution.Resolved and the requirement's Hard flag to decide whether the
// node is ready. Errors are reserved for invalid requirements, unregistered
// strategies, and strategy failures.
func (r *Resolver) Resolve(ctx context.Context, req Requirement, start capability.Tier) (Resolution, error) {
	if err := req.Validate(); err != nil {
		return Resolution{}, err
	}
	strategy, err := r.strategyFor(req)
	if err != nil {
		return Resolution{}, err
	}

	if req.Resolved() {
		return Resolution{Requirement: req, Op: OpDiscover, Resolved: true}, nil
	}

	entry := AuditEntry{
		RequirementUID: req.UID,
		Key:            req.Key.String(),
		Hard:           req.Hard,
	}

	if req.Policy.AllowsDiscovery() {
		offers, err := r.discoveryOffers(req, start)
		if err != nil {
			return Resolution{}, err
		}
		entry.Offers = offers
	}
	if req.Policy.AllowsCreation() && strategy != nil {
		entry.Offers = append(entry.Offers, Offer{
			Op:        OpCreate,
			Cost:      costCreate,
			Proximity: 0,
			order:     len(entry.Offers),
		})
	}

	if len(entry.Offers) == 0 {
		entry.Reason = "no offers"
		r.record(entry)
		return Resolution{Requirement: req}, nil
	}

	best := entry.Offers[0]
	for _, offer := range entry.Offers[1:] {
		if offer.Less(best) {
			best = offer
		}
	}

	if best.Op == OpCreate {
		providerID, err := strategy(ctx, req)
		if err != nil {
			entry.Reason = fmt.Sprintf("creation failed: %v", err)
			r.record(entry)
			return Resolution{}, fmt.Errorf("create provider for %s: %w", req.Key, err)
		}
		best.ProviderID = providerID
	}

	req.ProviderID = best.ProviderID
	entry.ChosenID = best.ProviderID
	entry.ChosenOp = best.Op
	r.record(entry)
	return Resolution{Requirement: req, Op: best.Op, Resolved: true}, nil
}

// ResolveAll resolves a node's requirements in declaration order and returns
// the resolutions plus the uids of unresolved hard requirements.
func (r *Resolver) ResolveAll(ctx context.Context, reqs []Requirement, start capability.Tier) ([]Resolution, []string, error) {
	resolutions := make([]Resolution, 0, len(reqs))
	var unresolvedHard []string
	for _, req := range reqs {
		res, err := r.Resolve(ctx, req, start)
		if err != nil {
			return nil, nil, err
		}
		if !res.Resolved && req.Hard {
			unresolvedHard = append(unresolvedHard, req.UID)
		}
		resolutions = append(resolutions, res)
	}
	return resolutions, unresolvedHard, nil
}

// strategyFor returns the strategy a requirement would create with, or nil
// when creation is impossible but not misconfigured.
func (r *Resolver) strategyFor(req Requirement) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if req.Strategy != "" {
		s, ok := r.strategies[req.Strategy]
		if !ok {
			return nil, fmt.Errorf("requirement %s strategy %q: %w", req.Key, req.Strategy, ErrStrategyNotRegistered)
		}
		return s, nil
	}
	if !req.Policy.AllowsCreation() {
		return nil, nil
	}
	return r.strategies[r.defaultStr], nil
}

// discoveryOffers walks tiers outward from start and returns an offer per
// matching candidate.
func (r *Resolver) discoveryOffers(req Requirement, start capability.Tier) ([]Offer, error) {
	var offers []Offer
	for _, tier := range capability.Tiers() {
		if tier < start {
			continue
		}
		if r.source == nil {
			break
		}
		for _, cand := range r.source.Candidates(tier, req.Key) {
			if !providesKey(cand, req.Key) {
				continue
			}
			if len(req.Criteria) > 0 {
				ok, err := entity.Matches(cand, req.Criteria)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			offers = append(offers, Offer{
				ProviderID: cand.ID(),
				Op:         OpDiscover,
				Cost:       costDiscover,
				Proximity:  capability.Distance(tier, start),
				order:      len(offers),
			})
		}
	}
	return offers, nil
}

func providesKey(cand Candidate, key Key) bool {
	want := key.String()
	for _, p := range cand.Provides() {
		if p == want || p == key.Domain {
			return true
		}
	}
	return false
}

func (r *Resolver) record(entry AuditEntry) {
	if r.audit == nil {
		return
	}
	r.audit.RecordSelection(entry)
}
