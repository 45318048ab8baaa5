// Package expr implements the pure value-expression language from spec §4.3:
// a small set of operators (Len, Get, Has, comparisons, boolean connectives,
// Concat, Hash, HashBytes, string predicates, checked arithmetic) evaluated
// against plan input, instance variables, prior step outputs, and the
// triggering event.
//
// Grounded on the teacher's CEL-based decision-point evaluator
// (pkg/kernel/celdp/evaluator.go): same "build a cel.Env once, compile and
// run per expression, surface a typed error with a stable error code on
// failure" design. This package adds the spec's @plan.input / @var: /
// @step: / @event reference syntax (rewritten to CEL field/index access
// before compilation) and two custom functions, hash and hash_bytes, backed
// by pkg/canonical so the expression language can participate in the same
// content-addressing scheme as the rest of the kernel.
package expr

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// Input supplies the four reference namespaces an expression may read.
type Input struct {
	PlanInput any
	Vars      map[string]any
	Steps     map[string]any
	Event     any
}

var (
	refPlanInput = regexp.MustCompile(`@plan\.input\b`)
	refVar       = regexp.MustCompile(`@var:([A-Za-z_][A-Za-z0-9_]*)`)
	refStep      = regexp.MustCompile(`@step:([A-Za-z_][A-Za-z0-9_]*)`)
	refEvent     = regexp.MustCompile(`@event\b`)
)

// rewriteReferences translates the spec's @-prefixed reference syntax into
// plain CEL field/index expressions the compiler understands.
func rewriteReferences(src string) string {
	src = refPlanInput.ReplaceAllString(src, "plan_input")
	src = refVar.ReplaceAllString(src, `vars["$1"]`)
	src = refStep.ReplaceAllString(src, `steps["$1"]`)
	src = refEvent.ReplaceAllString(src, "event")
	return src
}

// Evaluator compiles and runs expressions against an Input.
type Evaluator struct {
	env *cel.Env
}

// ErrEval is returned when compilation or evaluation fails.
var ErrEval = kernelerrors.New(kernelerrors.CodeManifest, "expr_eval_failed", "expression evaluation failed")

// NewEvaluator constructs the shared CEL environment: the four reference
// namespaces plus the hash/hash_bytes custom functions.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("plan_input", cel.DynType),
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("steps", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event", cel.DynType),
		cel.Function("hash",
			cel.Overload("hash_dyn", []*cel.Type{cel.DynType}, cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					h, err := canonical.HashValue(v.Value())
					if err != nil {
						return types.NewErr("hash: %v", err)
					}
					return types.String(h.String())
				}),
			),
		),
		cel.Function("hash_bytes",
			cel.Overload("hash_bytes_bytes", []*cel.Type{cel.BytesType}, cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					b, ok := v.Value().([]byte)
					if !ok {
						return types.NewErr("hash_bytes: expected bytes")
					}
					return types.String(canonical.HashBytes(b).String())
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Eval compiles and evaluates expr against in, returning the Go-native
// result value.
//
// Division and modulo by zero, and i64 overflow in Add/Sub/Mul, surface as
// an error here: CEL's default integer arithmetic is checked and returns a
// runtime error rather than wrapping, which matches the spec's requirement
// that these be explicit error conditions rather than silent truncation.
func (e *Evaluator) Eval(exprStr string, in Input) (any, error) {
	rewritten := rewriteReferences(exprStr)

	ast, issues := e.env.Compile(rewritten)
	if issues != nil && issues.Err() != nil {
		return nil, ErrEval.Wrap(issues.Err())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, ErrEval.Wrap(err)
	}

	vars := in.Vars
	if vars == nil {
		vars = map[string]any{}
	}
	steps := in.Steps
	if steps == nil {
		steps = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"plan_input": in.PlanInput,
		"vars":       vars,
		"steps":      steps,
		"event":      in.Event,
	})
	if err != nil {
		return nil, ErrEval.Wrap(err)
	}
	return out.Value(), nil
}
