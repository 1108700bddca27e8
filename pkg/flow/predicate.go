package flow

import (
	"context"
	"sync"

	"github.com/kaiban-ai/kaiban-go/internal/expressions"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// Scope is the data a predicate sees: the value under test (the previous
// entry's output or, inside a loop, the current iteration's output), the
// workflow input, and the completed block outputs keyed by block id.
type Scope struct {
	Result any
	Input  any
	Blocks map[string]any
}

func (s Scope) data() map[string]any {
	blocks := s.Blocks
	if blocks == nil {
		blocks = map[string]any{}
	}
	return map[string]any{
		expressions.VarResult: s.Result,
		expressions.VarInput:  s.Input,
		expressions.VarBlocks: blocks,
	}
}

// Predicate decides whether a conditional branch is taken or a loop
// continues. Implementations must be safe for concurrent evaluation since
// conditionals evaluate all branch predicates at once.
type Predicate interface {
	Evaluate(ctx context.Context, scope Scope) (bool, error)
}

// PredicateFunc adapts a plain function to the Predicate interface.
type PredicateFunc func(ctx context.Context, scope Scope) (bool, error)

// Evaluate implements Predicate.
func (f PredicateFunc) Evaluate(ctx context.Context, scope Scope) (bool, error) {
	return f(ctx, scope)
}

// exprPredicate evaluates an expression against the scope variables
// "result", "input" and "blocks" using one of the shared engines. The
// expression must yield a boolean.
type exprPredicate struct {
	source string
	engine func() (expressions.Engine, error)
}

// Condition returns a predicate backed by an expr-lang expression, e.g.
// "result > 0" or "blocks.fetch.count < 10".
func Condition(source string) Predicate {
	return &exprPredicate{source: source, engine: sharedExprEngine}
}

// CELCondition returns a predicate backed by a CEL expression.
func CELCondition(source string) Predicate {
	return &exprPredicate{source: source, engine: sharedCELEngine}
}

// JQCondition returns a predicate backed by a jq program. The scope is
// exposed as the jq input document, e.g. ".result > 0".
func JQCondition(source string) Predicate {
	return &exprPredicate{source: source, engine: sharedJQEngine}
}

func (p *exprPredicate) String() string { return p.source }

func (p *exprPredicate) Evaluate(ctx context.Context, scope Scope) (bool, error) {
	eng, err := p.engine()
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, p.source, scope.data())
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"predicate %q must evaluate to a boolean, got %T", p.source, out).
			WithDetails(map[string]any{"engine": eng.Name(), "value": out})
	}
	return b, nil
}

// Shared engines are created lazily and reused by every predicate so
// compiled-program caches are shared across workflows.
var (
	exprEngOnce sync.Once
	exprEng     *expressions.ExprEngine

	celEngOnce sync.Once
	celEng     *expressions.CELEngine
	celEngErr  error

	jqEngOnce sync.Once
	jqEng     *expressions.GoJQEngine
)

func sharedExprEngine() (expressions.Engine, error) {
	exprEngOnce.Do(func() { exprEng = expressions.NewExprEngine() })
	return exprEng, nil
}

func sharedCELEngine() (expressions.Engine, error) {
	celEngOnce.Do(func() { celEng, celEngErr = expressions.NewCELEngine() })
	if celEngErr != nil {
		return nil, celEngErr
	}
	return celEng, nil
}

func sharedJQEngine() (expressions.Engine, error) {
	jqEngOnce.Do(func() { jqEng = expressions.NewGoJQEngine() })
	return jqEng, nil
}
