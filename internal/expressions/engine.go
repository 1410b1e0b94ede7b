package expressions

import (
	"context"

	"github.com/conveyor-hq/conveyor/pkg/schema"
)

// Engine evaluates expressions against a workflow execution's variable
// bindings. Three implementations: CEL (conditions, default), Expr
// (alternate condition language), GoJQ (output extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry resolves an Engine by the step node's declared language.
type Registry struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewRegistry builds the expression engine set. Returns an error only if the
// CEL environment cannot be constructed.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Registry{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// ForLanguage returns the engine for a step node's language field.
// Empty defaults to CEL; unknown languages are a validation error.
func (r *Registry) ForLanguage(language string) (Engine, error) {
	switch language {
	case "", "cel":
		return r.cel, nil
	case "expr":
		return r.expr, nil
	case "jq":
		return r.jq, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", language)
	}
}

// JQ returns the GoJQ engine used for outputPath extraction.
func (r *Registry) JQ() *GoJQEngine { return r.jq }

// EvaluateBool evaluates a condition expression and requires a boolean result.
func (r *Registry) EvaluateBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	engine, err := r.ForLanguage(language)
	if err != nil {
		return false, err
	}
	result, err := engine.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q must evaluate to bool, got %T", expression, result)
	}
	return b, nil
}
