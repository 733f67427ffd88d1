// Package template holds the reusable blueprints nodes are materialized
// from, and the constructor registry mapping each template kind to a builder
// function.
//
// Kinds are stable string discriminators resolved to constructors once, when
// the template is registered; an unregistered kind is a configuration error
// at load time, never a runtime lookup failure.
package template

import (
	"fmt"
	"sync"

	"github.com/louisbranch/story-engine/internal/entity"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/expr"
	"github.com/louisbranch/story-engine/internal/graph"
	"github.com/louisbranch/story-engine/internal/id"
	"github.com/louisbranch/story-engine/internal/integrity"
	"github.com/louisbranch/story-engine/internal/provision"
)

var (
	// ErrTemplateNotFound indicates a materialization request for an
	// unregistered template label.
	ErrTemplateNotFound = apperrors.New(apperrors.CodeTemplateNotFound, "template not found")
	// ErrConstructorNotRegistered indicates a template whose kind has no
	// registered constructor.
	ErrConstructorNotRegistered = apperrors.New(apperrors.CodeConstructorNotRegistered, "no constructor registered for kind")
)

// Template is a node blueprint. Its label is its identity within the
// registry; materialized instances copy its data and get fresh uids.
type Template struct {
	entity.Entity
	// Kind selects the constructor the template materializes through.
	Kind string
	// Locals seed the instance's node-scoped context values.
	Locals map[string]any
	// ProvideKeys are the provision keys instances satisfy.
	ProvideKeys []string
	// Requires are copied onto instances for resolution at entry.
	Requires []provision.Requirement
	// Conditions gate materialized instances.
	Conditions []string
	// Effects run when a materialized instance is entered.
	Effects []expr.Effect
	// Text is the instance's narrative body.
	Text string
}

// New creates a template identified by its label.
func New(label, kind string) *Template {
	return &Template{Entity: entity.New(label, label), Kind: kind}
}

// MatchKey extends entity matching with a "kind" criterion.
func (t *Template) MatchKey(key string, value any) (bool, error) {
	if key == "kind" {
		s, ok := value.(string)
		return ok && t.Kind == s, nil
	}
	return t.Entity.MatchKey(key, value)
}

// Constructor builds a node instance from a template. Overrides are merged
// over the template's locals.
type Constructor func(t *Template, overrides map[string]any) (*graph.Node, error)

// DefaultConstructor copies the template's data onto a fresh node. Locals
// are deep-copied so instances never alias the blueprint.
func DefaultConstructor(t *Template, overrides map[string]any) (*graph.Node, error) {
	uid, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("assign instance uid: %w", err)
	}
	locals, err := integrity.DeepCopyState(t.Locals)
	if err != nil {
		return nil, fmt.Errorf("copy template locals: %w", err)
	}
	for k, v := range overrides {
		if locals == nil {
			locals = make(map[string]any)
		}
		locals[k] = v
	}
	node := &graph.Node{
		Entity:      entity.New(uid, t.Label),
		Kind:        t.Kind,
		Locals:      locals,
		ProvideKeys: append([]string(nil), t.ProvideKeys...),
		Requires:    append([]provision.Requirement(nil), t.Requires...),
		Conditions:  append([]string(nil), t.Conditions...),
		Effects:     append([]expr.Effect(nil), t.Effects...),
		Text:        t.Text,
	}
	for tag := range t.Tags {
		node.AddTag(tag)
	}
	return node, nil
}

// Registry owns the templates and the kind-to-constructor table. It
// implements graph.Materializer.
type Registry struct {
	mu           sync.RWMutex
	templates    *entity.Registry[*Template]
	constructors map[string]Constructor
}

// NewRegistry creates a registry with the default "scene" constructor.
func NewRegistry() *Registry {
	return &Registry{
		templates:    entity.NewRegistry[*Template](),
		constructors: map[string]Constructor{"scene": DefaultConstructor},
	}
}

// RegisterConstructor maps a kind to a constructor. Re-registering a kind
// fails.
func (r *Registry) RegisterConstructor(kind string, c Constructor) error {
	if kind == "" || c == nil {
		return apperrors.New(apperrors.CodeConstructorNotRegistered,
			"constructor kind and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[kind]; exists {
		return apperrors.New(apperrors.CodeConstructorNotRegistered,
			fmt.Sprintf("constructor for kind %q is already registered", kind))
	}
	r.constructors[kind] = c
	return nil
}

// Add registers a template. The template's kind is resolved against the
// constructor table here, at load time; an unknown kind fails immediately.
func (r *Registry) Add(t *Template) error {
	if t.Label == "" {
		return apperrors.New(apperrors.CodeScriptInvalid, "template label is required")
	}
	r.mu.RLock()
	_, known := r.constructors[t.Kind]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("template %q kind %q: %w", t.Label, t.Kind, ErrConstructorNotRegistered)
	}
	return r.templates.Add(t)
}

// Get returns the template with the given label.
func (r *Registry) Get(label string) (*Template, error) {
	t, err := r.templates.Get(label)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", label, ErrTemplateNotFound)
	}
	return t, nil
}

// Find returns the templates matching a criteria conjunction.
func (r *Registry) Find(criteria entity.Criteria) ([]*Template, error) {
	return r.templates.Find(criteria)
}

// Len returns the number of registered templates.
func (r *Registry) Len() int { return r.templates.Len() }

// MaterializeNode builds a node instance from the labeled template.
func (r *Registry) MaterializeNode(label string, overrides map[string]any) (*graph.Node, error) {
	t, err := r.Get(label)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	construct := r.constructors[t.Kind]
	r.mu.RUnlock()
	node, err := construct(t, overrides)
	if err != nil {
		return nil, fmt.Errorf("materialize %q: %w", label, err)
	}
	return node, nil
}
