package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlld-lang/mlld/core/ast"
	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/env"
)

func boolLit(b bool) ast.Expression  { return &ast.BooleanLiteral{Value: b} }
func strLit(s string) ast.Expression { return &ast.StringLiteral{Value: s} }

func TestEvalWhenFirstReturnsFirstTruthyMatch(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{
		{Condition: boolLit(false), Action: strLit("no")},
		{Condition: boolLit(true), Action: strLit("yes")},
		{Condition: nil, Action: strLit("default")},
	}
	v, err := ev.evalWhenFirst(context.Background(), root, clauses)
	require.NoError(t, err)
	assert.Equal(t, "yes", value.AsString(v))
}

func TestEvalWhenFirstFallsThroughToDefaultArm(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{
		{Condition: boolLit(false), Action: strLit("no")},
		{Condition: nil, Action: strLit("default")},
	}
	v, err := ev.evalWhenFirst(context.Background(), root, clauses)
	require.NoError(t, err)
	assert.Equal(t, "default", value.AsString(v))
}

func TestEvalWhenFirstReturnsEmptyWhenNothingMatches(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{{Condition: boolLit(false), Action: strLit("no")}}
	v, err := ev.evalWhenFirst(context.Background(), root, clauses)
	require.NoError(t, err)
	_, isNull := v.(value.Null)
	assert.True(t, isNull)
}

func TestEvalWhenAllRequiresEveryConditionTruthy(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{
		{Condition: boolLit(true), Action: strLit("a")},
		{Condition: boolLit(false), Action: strLit("b")},
	}
	v, err := ev.evalWhenAll(context.Background(), root, clauses)
	require.NoError(t, err)
	_, isNull := v.(value.Null)
	assert.True(t, isNull)
}

func TestEvalWhenAllCollectsEveryActionWhenAllTruthy(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{
		{Condition: boolLit(true), Action: strLit("a")},
		{Condition: boolLit(true), Action: strLit("b")},
	}
	v, err := ev.evalWhenAll(context.Background(), root, clauses)
	require.NoError(t, err)
	arr, ok := v.(*value.Array)
	require.True(t, ok)
	require.Len(t, arr.Items, 2)
	assert.Equal(t, "a", value.AsString(arr.Items[0]))
	assert.Equal(t, "b", value.AsString(arr.Items[1]))
}

func TestEvalWhenAnyCollectsOnlyTriggeredActions(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{
		{Condition: boolLit(false), Action: strLit("a")},
		{Condition: boolLit(true), Action: strLit("b")},
		{Condition: boolLit(true), Action: strLit("c")},
	}
	v, err := ev.evalWhenAny(context.Background(), root, clauses)
	require.NoError(t, err)
	arr, ok := v.(*value.Array)
	require.True(t, ok)
	require.Len(t, arr.Items, 2)
	assert.Equal(t, "b", value.AsString(arr.Items[0]))
	assert.Equal(t, "c", value.AsString(arr.Items[1]))
}

func TestEvalWhenAnyReturnsEmptyWhenNoneMatch(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{{Condition: boolLit(false), Action: strLit("a")}}
	v, err := ev.evalWhenAny(context.Background(), root, clauses)
	require.NoError(t, err)
	_, isNull := v.(value.Null)
	assert.True(t, isNull)
}

// erroringCond is a condition whose evaluation always errors: an
// argument to a builtin comparison op is looked up with inWhen=false,
// so an undefined reference there errors even though the overall
// condition is evaluated in when-tolerant mode.
func erroringCond() ast.Expression {
	return &ast.ExecInvocation{Name: "eq", Args: []ast.Expression{&ast.VariableRef{Name: "doesNotExist"}, strLit("x")}}
}

func TestEvalWhenAnySwallowsASingleConditionErrorAndKeepsMatching(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{
		{Condition: erroringCond(), Action: strLit("errored")},
		{Condition: boolLit(true), Action: strLit("ok")},
	}
	v, err := ev.evalWhenAny(context.Background(), root, clauses)
	require.NoError(t, err)
	arr, ok := v.(*value.Array)
	require.True(t, ok)
	require.Len(t, arr.Items, 1)
	assert.Equal(t, "ok", value.AsString(arr.Items[0]))
}

func TestEvalWhenAnyAggregatesErrorWhenEveryConditionErrors(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	clauses := []ast.WhenClause{
		{Condition: erroringCond(), Action: strLit("a")},
		{Condition: erroringCond(), Action: strLit("b")},
	}
	_, err := ev.evalWhenAny(context.Background(), root, clauses)
	require.Error(t, err)
}

func TestEvalForExprSequentialCollectsResults(t *testing.T) {
	ev := &Evaluator{}
	root := env.NewRoot(nil)
	arr := &value.Array{C: litCtx(), Items: []value.Value{strVal("a"), strVal("b")}}
	require.NoError(t, root.SetLet("items", arr))

	forExpr := &ast.ForExpr{
		ItemVar: "item",
		Coll:    &ast.VariableRef{Name: "items"},
		Body:    &ast.VariableRef{Name: "item"},
	}
	v, err := ev.evalForExpr(context.Background(), root, forExpr)
	require.NoError(t, err)
	result, ok := v.(*value.Array)
	require.True(t, ok)
	require.Len(t, result.Items, 2)
	assert.Equal(t, "a", value.AsString(result.Items[0]))
	assert.Equal(t, "b", value.AsString(result.Items[1]))
}
