// Package provision resolves declared requirements against graph elements:
// given a key and a satisfaction policy, it discovers an existing provider
// across scope tiers or creates one from a template, and records every
// decision for audit.
package provision

import (
	"fmt"
	"strings"

	"github.com/louisbranch/story-engine/internal/entity"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
)

// Key identifies what a requirement asks for: a domain-qualified name such
// as "props/torch".
type Key struct {
	Domain string
	Name   string
}

// ParseKey parses a "domain/name" string into a Key.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, apperrors.New(apperrors.CodeRequirementInvalid,
			fmt.Sprintf("provision key %q must have the form domain/name", s))
	}
	return Key{Domain: parts[0], Name: parts[1]}, nil
}

// String returns the key's "domain/name" form.
func (k Key) String() string { return k.Domain + "/" + k.Name }

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k.Domain == "" && k.Name == "" }

// Policy controls how a requirement may be satisfied.
type Policy string

const (
	// PolicyExisting only accepts an already-registered provider.
	PolicyExisting Policy = "existing"
	// PolicyCreate always creates a new provider from a template.
	PolicyCreate Policy = "create"
	// PolicyAny discovers an existing provider when possible and falls back
	// to creation.
	PolicyAny Policy = "any"
)

// Valid reports whether the policy is one of the defined values.
func (p Policy) Valid() bool {
	switch p {
	case PolicyExisting, PolicyCreate, PolicyAny:
		return true
	}
	return false
}

// AllowsDiscovery reports whether the policy accepts existing providers.
func (p Policy) AllowsDiscovery() bool { return p == PolicyExisting || p == PolicyAny }

// AllowsCreation reports whether the policy accepts creating a provider.
func (p Policy) AllowsCreation() bool { return p == PolicyCreate || p == PolicyAny }

// Requirement is a declared need for something satisfying a key.
//
// A requirement is created unresolved, attempted against existing providers
// per tier, optionally satisfied by creating a provider from a template, and
// ends up resolved (ProviderID set) or unresolved. Unresolved requirements
// are reported, not fatal.
type Requirement struct {
	// UID identifies the requirement in audit output.
	UID string
	// Key is what the requirement asks for.
	Key Key
	// Policy controls discovery versus creation.
	Policy Policy
	// Hard marks the requirement as blocking: a node with an unresolved
	// hard requirement is reported not-ready.
	Hard bool
	// Criteria further narrows acceptable providers.
	Criteria entity.Criteria
	// TemplateLabel names the template a creation strategy materializes.
	TemplateLabel string
	// Strategy names the creation strategy. Empty selects the resolver's
	// default. A declared name that is not registered is a configuration
	// error.
	Strategy string
	// ProviderID is set once the requirement is resolved.
	ProviderID string
}

// Validate checks the requirement's construction-time invariants.
func (r Requirement) Validate() error {
	if r.Key.IsZero() {
		return apperrors.New(apperrors.CodeRequirementInvalid, "requirement key is required")
	}
	if !r.Policy.Valid() {
		return apperrors.New(apperrors.CodeRequirementInvalid,
			fmt.Sprintf("requirement %s: invalid policy %q", r.Key, r.Policy))
	}
	return nil
}

// Resolved reports whether a provider has been assigned.
func (r Requirement) Resolved() bool { return r.ProviderID != "" }

// Op names how an offer would satisfy a requirement.
type Op string

const (
	// OpDiscover satisfies a requirement with an existing provider.
	OpDiscover Op = "discover"
	// OpCreate satisfies a requirement by materializing a new provider.
	OpCreate Op = "create"
)

// Offer cost bases. Discovery is always cheaper than creation; proximity
// breaks ties between offers of the same operation.
const (
	costDiscover = 1
	costCreate   = 10
)

// Offer is a provisioning candidate considered during resolution.
type Offer struct {
	// ProviderID is the candidate provider; empty for a creation offer
	// until the strategy runs.
	ProviderID string
	// Op is how the offer satisfies the requirement.
	Op Op
	// Cost ranks offers; lower wins.
	Cost int
	// Proximity is the tier distance from the requirement's starting tier.
	Proximity int

	order int
}

// Less reports whether the offer ranks before other: by cost, then
// proximity, then registration order.
func (o Offer) Less(other Offer) bool {
	if o.Cost != other.Cost {
		return o.Cost < other.Cost
	}
	if o.Proximity != other.Proximity {
		return o.Proximity < other.Proximity
	}
	return o.order < other.order
}
