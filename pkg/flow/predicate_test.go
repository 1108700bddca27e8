package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

func evalPredicate(t *testing.T, p Predicate, scope Scope) bool {
	t.Helper()
	ok, err := p.Evaluate(context.Background(), scope)
	require.NoError(t, err)
	return ok
}

func TestCondition_ExprExpressions(t *testing.T) {
	scope := Scope{Result: 5, Input: 10, Blocks: map[string]any{
		"fetch": map[string]any{"count": 3},
	}}

	assert.True(t, evalPredicate(t, Condition("result > 0"), scope))
	assert.False(t, evalPredicate(t, Condition("result > 10"), scope))
	assert.True(t, evalPredicate(t, Condition("input == 10"), scope))
	assert.True(t, evalPredicate(t, Condition("blocks.fetch.count == 3"), scope))
	assert.True(t, evalPredicate(t, Condition("result < input && blocks.fetch.count > 0"), scope))
}

func TestCELCondition_Expressions(t *testing.T) {
	scope := Scope{Result: "ok", Input: map[string]any{"mode": "strict"}}

	assert.True(t, evalPredicate(t, CELCondition(`result == "ok"`), scope))
	assert.False(t, evalPredicate(t, CELCondition(`result == "nope"`), scope))
	assert.True(t, evalPredicate(t, CELCondition(`input.mode == "strict"`), scope))
}

func TestJQCondition_Expressions(t *testing.T) {
	scope := Scope{Result: 7.0, Blocks: map[string]any{"a": 1.0}}

	assert.True(t, evalPredicate(t, JQCondition(".result > 0"), scope))
	assert.False(t, evalPredicate(t, JQCondition(".result > 100"), scope))
	assert.True(t, evalPredicate(t, JQCondition(".blocks.a == 1"), scope))
	assert.True(t, evalPredicate(t, JQCondition(".input == null"), scope))
}

func TestPredicate_NonBooleanResult(t *testing.T) {
	_, err := Condition("result + 1").Evaluate(context.Background(), Scope{Result: 1})

	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeExecution, fe.Code)
	assert.Contains(t, fe.Message, "must evaluate to a boolean")
}

func TestPredicate_CompileErrorSurfaces(t *testing.T) {
	_, err := Condition("result >").Evaluate(context.Background(), Scope{})

	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestPredicate_EmptyScopeDefaults(t *testing.T) {
	// Missing scope members evaluate as nulls, not compile failures.
	assert.True(t, evalPredicate(t, Condition("result == nil"), Scope{}))
	assert.True(t, evalPredicate(t, JQCondition(".blocks | length == 0"), Scope{}))
}

func TestPredicateFunc_Passthrough(t *testing.T) {
	var got Scope
	p := PredicateFunc(func(_ context.Context, scope Scope) (bool, error) {
		got = scope
		return true, nil
	})

	scope := Scope{Result: "r", Input: "i"}
	assert.True(t, evalPredicate(t, p, scope))
	assert.Equal(t, "r", got.Result)
	assert.Equal(t, "i", got.Input)
}

func TestPredicate_StringReportsSource(t *testing.T) {
	assert.Equal(t, "result > 0", describePredicate(Condition("result > 0")))
	assert.Equal(t, ".x", describePredicate(JQCondition(".x")))
	assert.Equal(t, "func", describePredicate(PredicateFunc(func(_ context.Context, _ Scope) (bool, error) {
		return false, nil
	})))
	assert.Equal(t, "", describePredicate(nil))
}
