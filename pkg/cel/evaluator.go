package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// VisitInput is what a visit filter expression can see: the raw analytics record as
// `visit` and the captured semantic fields as `fields`. Unset fields are absent from the
// map so `has(fields.emailValue)` works.
type VisitInput struct {
	SiteID int
	Visit  map[string]interface{}
	Fields map[string]*string
}

type Evaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("site_id", cel.IntType),
		cel.Variable("visit", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	_, err := e.compile(expression)
	return err
}

// EvaluateFilter reports whether the visit passes expression. Compiled programs are
// cached per expression since every visit of a site shares one.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, in VisitInput) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	fields := make(map[string]string, len(in.Fields))
	for name, value := range in.Fields {
		if value != nil {
			fields[name] = *value
		}
	}

	raw := in.Visit
	if raw == nil {
		raw = map[string]interface{}{}
	}

	vars := map[string]interface{}{
		"site_id": int64(in.SiteID),
		"visit":   plain(raw),
		"fields":  fields,
	}

	result, _, err := program.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.programs[expression]; ok {
		return p, nil
	}

	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	e.programs[expression] = program
	return program, nil
}

func (e *Evaluator) compile(expression string) (*cel.Ast, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}
	return ast, nil
}

// plain converts decoder output into values CEL can adapt; json.Number is not one of them.
func plain(value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = plain(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = plain(item)
		}
		return out
	default:
		return v
	}
}
