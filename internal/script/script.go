// Package script compiles declarative story scripts into a runnable graph
// and template registry.
//
// A script is YAML data: scenes with text, locals, conditions, effects,
// requirements, and edges, plus templates materialized on demand. The
// compiler validates everything eagerly so a malformed script fails at load
// time, not mid-story.
package script

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/louisbranch/story-engine/internal/entity"
	apperrors "github.com/louisbranch/story-engine/internal/errors"
	"github.com/louisbranch/story-engine/internal/expr"
	"github.com/louisbranch/story-engine/internal/graph"
	"github.com/louisbranch/story-engine/internal/provision"
	"github.com/louisbranch/story-engine/internal/template"
)

// Script is the top-level document shape.
type Script struct {
	Title     string      `yaml:"title"`
	Start     string      `yaml:"start"`
	Templates []SceneSpec `yaml:"templates"`
	Scenes    []SceneSpec `yaml:"scenes"`
}

// SceneSpec declares one scene or template.
type SceneSpec struct {
	Label      string         `yaml:"label"`
	Kind       string         `yaml:"kind"`
	Parent     string         `yaml:"parent"`
	Tags       []string       `yaml:"tags"`
	Text       string         `yaml:"text"`
	Locals     map[string]any `yaml:"locals"`
	Conditions []string       `yaml:"conditions"`
	Effects    []EffectSpec   `yaml:"effects"`
	Provides   []string       `yaml:"provides"`
	Requires   []RequireSpec  `yaml:"requires"`
	Edges      []EdgeSpec     `yaml:"edges"`
}

// EffectSpec declares one state mutation.
type EffectSpec struct {
	Target string `yaml:"target"`
	Expr   string `yaml:"expr"`
}

// RequireSpec declares one requirement.
type RequireSpec struct {
	Key      string         `yaml:"key"`
	Policy   string         `yaml:"policy"`
	Hard     bool           `yaml:"hard"`
	Strategy string         `yaml:"strategy"`
	Template string         `yaml:"template"`
	Criteria map[string]any `yaml:"criteria"`
}

// EdgeSpec declares one outgoing edge. "to" makes a plain edge to a scene
// label; "ref", "template", and "criteria" make a dynamic edge.
type EdgeSpec struct {
	To          string         `yaml:"to"`
	Ref         string         `yaml:"ref"`
	Template    string         `yaml:"template"`
	Criteria    map[string]any `yaml:"criteria"`
	Label       string         `yaml:"label"`
	Choice      bool           `yaml:"choice"`
	Auto        bool           `yaml:"auto"`
	ReturnAfter bool           `yaml:"return_after"`
}

// Compiled is the runnable output of a script.
type Compiled struct {
	Title     string
	Graph     *graph.Graph
	Templates *template.Registry
	StartID   string
}

// Compile parses and validates a script document and builds its graph and
// template registry. A nil evaluator gets a fresh one; expressions are
// compiled here so bad ones fail at load time.
func Compile(data []byte, eval *expr.Evaluator) (*Compiled, error) {
	if eval == nil {
		var err error
		eval, err = expr.NewEvaluator()
		if err != nil {
			return nil, err
		}
	}

	var doc Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeScriptInvalid, "parse script", err)
	}

	if len(doc.Scenes) == 0 {
		return nil, apperrors.New(apperrors.CodeScriptInvalid, "script declares no scenes")
	}
	if doc.Start == "" {
		return nil, apperrors.New(apperrors.CodeScriptInvalid, "script declares no start scene")
	}

	templates := template.NewRegistry()
	for _, spec := range doc.Templates {
		tpl, err := compileTemplate(spec, eval)
		if err != nil {
			return nil, err
		}
		if err := templates.Add(tpl); err != nil {
			return nil, err
		}
	}

	g := graph.New()
	g.SetMaterializer(templates)

	labels := make(map[string]bool, len(doc.Scenes))
	for _, spec := range doc.Scenes {
		if spec.Label == "" {
			return nil, apperrors.New(apperrors.CodeScriptInvalid, "scene without a label")
		}
		if labels[spec.Label] {
			return nil, apperrors.New(apperrors.CodeScriptInvalid,
				fmt.Sprintf("duplicate scene label %q", spec.Label))
		}
		labels[spec.Label] = true

		node, err := compileScene(spec, eval)
		if err != nil {
			return nil, err
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}

	// Edges are wired after all scenes exist so forward references work.
	for _, spec := range doc.Scenes {
		for i, edgeSpec := range spec.Edges {
			edge, err := compileEdge(spec.Label, i, edgeSpec, labels)
			if err != nil {
				return nil, err
			}
			if err := g.AddEdge(edge); err != nil {
				return nil, err
			}
		}
	}

	for _, spec := range doc.Scenes {
		if spec.Parent != "" && !labels[spec.Parent] {
			return nil, apperrors.New(apperrors.CodeScriptInvalid,
				fmt.Sprintf("scene %q: unknown parent %q", spec.Label, spec.Parent))
		}
	}
	if !labels[doc.Start] {
		return nil, apperrors.New(apperrors.CodeScriptInvalid,
			fmt.Sprintf("start scene %q is not declared", doc.Start))
	}

	return &Compiled{
		Title:     doc.Title,
		Graph:     g,
		Templates: templates,
		StartID:   doc.Start,
	}, nil
}

func compileScene(spec SceneSpec, eval *expr.Evaluator) (*graph.Node, error) {
	kind := spec.Kind
	if kind == "" {
		kind = "scene"
	}
	conditions, effects, err := compileExpressions(spec, eval)
	if err != nil {
		return nil, err
	}
	requires, err := compileRequires(spec)
	if err != nil {
		return nil, err
	}

	node := &graph.Node{
		Entity:      entity.New(spec.Label, spec.Label),
		Kind:        kind,
		Locals:      spec.Locals,
		ParentID:    spec.Parent,
		ProvideKeys: spec.Provides,
		Requires:    requires,
		Conditions:  conditions,
		Effects:     effects,
		Text:        spec.Text,
	}
	for _, tag := range spec.Tags {
		node.AddTag(tag)
	}
	return node, nil
}

func compileTemplate(spec SceneSpec, eval *expr.Evaluator) (*template.Template, error) {
	if spec.Label == "" {
		return nil, apperrors.New(apperrors.CodeScriptInvalid, "template without a label")
	}
	if len(spec.Edges) > 0 {
		return nil, apperrors.New(apperrors.CodeScriptInvalid,
			fmt.Sprintf("template %q declares edges; templates are node blueprints", spec.Label))
	}
	kind := spec.Kind
	if kind == "" {
		kind = "scene"
	}
	conditions, effects, err := compileExpressions(spec, eval)
	if err != nil {
		return nil, err
	}
	requires, err := compileRequires(spec)
	if err != nil {
		return nil, err
	}

	tpl := template.New(spec.Label, kind)
	tpl.Locals = spec.Locals
	tpl.ProvideKeys = spec.Provides
	tpl.Requires = requires
	tpl.Conditions = conditions
	tpl.Effects = effects
	tpl.Text = spec.Text
	for _, tag := range spec.Tags {
		tpl.AddTag(tag)
	}
	return tpl, nil
}

// compileExpressions compiles conditions and effects to surface malformed
// expressions at load time; the compiled programs are discarded here and
// re-compiled (through the driver's cache) at run time.
func compileExpressions(spec SceneSpec, eval *expr.Evaluator) ([]string, []expr.Effect, error) {
	for _, source := range spec.Conditions {
		if _, err := eval.Compile(source); err != nil {
			return nil, nil, fmt.Errorf("scene %q: %w", spec.Label, err)
		}
	}
	effects := make([]expr.Effect, 0, len(spec.Effects))
	for _, e := range spec.Effects {
		eff := expr.Effect{Target: e.Target, Source: e.Expr}
		if _, err := eval.CompileEffect(eff); err != nil {
			return nil, nil, fmt.Errorf("scene %q: %w", spec.Label, err)
		}
		effects = append(effects, eff)
	}
	return spec.Conditions, effects, nil
}

func compileRequires(spec SceneSpec) ([]provision.Requirement, error) {
	if len(spec.Requires) == 0 {
		return nil, nil
	}
	requires := make([]provision.Requirement, 0, len(spec.Requires))
	for i, r := range spec.Requires {
		key, err := provision.ParseKey(r.Key)
		if err != nil {
			return nil, fmt.Errorf("scene %q: %w", spec.Label, err)
		}
		policy := provision.Policy(r.Policy)
		if r.Policy == "" {
			policy = provision.PolicyAny
		}
		req := provision.Requirement{
			UID:           fmt.Sprintf("%s:req:%d", spec.Label, i),
			Key:           key,
			Policy:        policy,
			Hard:          r.Hard,
			Criteria:      entity.Criteria(r.Criteria),
			TemplateLabel: r.Template,
			Strategy:      r.Strategy,
		}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("scene %q: %w", spec.Label, err)
		}
		requires = append(requires, req)
	}
	return requires, nil
}

func compileEdge(from string, index int, spec EdgeSpec, labels map[string]bool) (*graph.Edge, error) {
	uid := fmt.Sprintf("%s:edge:%d", from, index)

	var edge *graph.Edge
	var err error
	if spec.To != "" {
		if !labels[spec.To] {
			return nil, apperrors.New(apperrors.CodeScriptInvalid,
				fmt.Sprintf("scene %q: edge to unknown scene %q", from, spec.To))
		}
		edge, err = graph.NewEdge(uid, from, spec.To)
	} else {
		edge, err = graph.NewDynamicEdge(uid, from, spec.Ref, spec.Template, entity.Criteria(spec.Criteria))
	}
	if err != nil {
		return nil, fmt.Errorf("scene %q edge %d: %w", from, index, err)
	}

	edge.Label = spec.Label
	edge.ReturnAfter = spec.ReturnAfter
	if spec.Choice {
		edge.AddTag(graph.ChoiceTag)
	}
	if spec.Auto {
		edge.AddTag(graph.AutoTag)
	}
	return edge, nil
}
