// Package expr compiles and evaluates the sandboxed expressions stories use
// for conditions and effects.
//
// Expressions are CEL programs over two whitelisted variables: "ctx", the
// step's layered context, and "locals", the current node's locals. There is
// no host-language escape hatch: an expression can read the maps it is given
// and nothing else, and compilation failures are configuration errors
// surfaced at load time.
package expr

import (
	"fmt"

	"github.com/google/cel-go/cel"

	apperrors "github.com/louisbranch/story-engine/internal/errors"
)

// Evaluator owns the CEL environment expressions compile against. It is
// read-mostly after construction and safe for concurrent use.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates an evaluator exposing the "ctx" and "locals" maps.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("locals", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("build expression environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Program is a compiled expression ready for repeated evaluation.
type Program struct {
	source string
	prg    cel.Program
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Compile compiles an expression. A malformed expression is a configuration
// error and fails at load time, never mid-step.
func (e *Evaluator) Compile(source string) (*Program, error) {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, apperrors.Wrap(apperrors.CodeExprInvalid,
			fmt.Sprintf("compile expression %q", source), issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExprInvalid,
			fmt.Sprintf("build program for %q", source), err)
	}
	return &Program{source: source, prg: prg}, nil
}

// Vars builds the activation map an evaluation runs against. Nil maps are
// replaced with empty ones so expressions never see a missing variable.
func Vars(ctx, locals map[string]any) map[string]any {
	if ctx == nil {
		ctx = map[string]any{}
	}
	if locals == nil {
		locals = map[string]any{}
	}
	return map[string]any{"ctx": ctx, "locals": locals}
}

// Eval evaluates the program and returns its native Go value.
func (p *Program) Eval(vars map[string]any) (any, error) {
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExprInvalid,
			fmt.Sprintf("evaluate %q", p.source), err)
	}
	return out.Value(), nil
}

// EvalBool evaluates the program and requires a boolean result.
func (p *Program) EvalBool(vars map[string]any) (bool, error) {
	v, err := p.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, apperrors.New(apperrors.CodeExprType,
			fmt.Sprintf("expression %q returned %T, expected bool", p.source, v))
	}
	return b, nil
}

// Effect is a declarative state mutation: evaluate Source and write the
// result to the Target key of the node's locals.
type Effect struct {
	Target string
	Source string
}

// CompiledEffect pairs an effect's target with its compiled program.
type CompiledEffect struct {
	Target  string
	Program *Program
}

// CompileEffect compiles an effect's expression. A missing target or source
// is a configuration error.
func (e *Evaluator) CompileEffect(eff Effect) (CompiledEffect, error) {
	if eff.Target == "" || eff.Source == "" {
		return CompiledEffect{}, apperrors.New(apperrors.CodeActionInvalid,
			"effect requires both a target and an expression")
	}
	prg, err := e.Compile(eff.Source)
	if err != nil {
		return CompiledEffect{}, err
	}
	return CompiledEffect{Target: eff.Target, Program: prg}, nil
}

// Apply evaluates the effect and writes the result into locals.
func (c CompiledEffect) Apply(ctx, locals map[string]any) error {
	v, err := c.Program.Eval(Vars(ctx, locals))
	if err != nil {
		return err
	}
	locals[c.Target] = v
	return nil
}
