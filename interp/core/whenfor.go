package core

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mlld-lang/mlld/core/ast"
	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/env"
)

// evalWhenExpr evaluates the RHS-expression form of `when` (spec §4.2.1,
// §4.3), used on the right of `/var @x = when …`.
func (ev *Evaluator) evalWhenExpr(ctx context.Context, e *env.Environment, t *ast.WhenExpr) (value.Value, error) {
	return ev.evalWhenClauses(ctx, e, t.Modifier, t.Clauses)
}

// evalWhenClauses is shared by the expression form and the directive
// form (spec §4.2 `/when` table row): both reduce to "evaluate clauses
// under a modifier".
func (ev *Evaluator) evalWhenClauses(ctx context.Context, e *env.Environment, modifier ast.WhenModifier, clauses []ast.WhenClause) (value.Value, error) {
	switch modifier {
	case ast.WhenAll:
		return ev.evalWhenAll(ctx, e, clauses)
	case ast.WhenAny:
		return ev.evalWhenAny(ctx, e, clauses)
	default: // WhenSimple, WhenFirst
		return ev.evalWhenFirst(ctx, e, clauses)
	}
}

func emptyResult() value.Value {
	return value.Null{C: value.NewCtx(value.Source{Kind: "literal"})}
}

// evalWhenFirst covers both the simple `COND => ACTION` form (a
// single-clause list) and the block `first` modifier: evaluate each
// clause in order, returning the first truthy match's action value; a
// nil Condition is the `*` default and always matches (spec §4.2.1).
func (ev *Evaluator) evalWhenFirst(ctx context.Context, e *env.Environment, clauses []ast.WhenClause) (value.Value, error) {
	for _, c := range clauses {
		if c.Condition == nil {
			return ev.EvalExpr(ctx, e, c.Action, false)
		}
		cond, err := ev.EvalExpr(ctx, e, c.Condition, true)
		if err != nil {
			return nil, err
		}
		if value.Truthy(cond) {
			return ev.EvalExpr(ctx, e, c.Action, false)
		}
	}
	return emptyResult(), nil
}

// evalWhenAll evaluates every condition; only if all are truthy does it
// evaluate (and return, as an array) every action (spec §4.2.1 "all").
func (ev *Evaluator) evalWhenAll(ctx context.Context, e *env.Environment, clauses []ast.WhenClause) (value.Value, error) {
	for _, c := range clauses {
		if c.Condition == nil {
			continue
		}
		cond, err := ev.EvalExpr(ctx, e, c.Condition, true)
		if err != nil {
			return nil, err
		}
		if !value.Truthy(cond) {
			return emptyResult(), nil
		}
	}
	arr := &value.Array{C: value.NewCtx(value.Source{Kind: "literal"})}
	for _, c := range clauses {
		v, err := ev.EvalExpr(ctx, e, c.Action, false)
		if err != nil {
			return nil, err
		}
		arr.Items = append(arr.Items, v)
	}
	return arr, nil
}

// evalWhenAny evaluates each condition; every truthy one's action is
// evaluated and collected. Open Question 1 is resolved as: the result is
// the array of every triggered action's value (recorded in the project's
// design ledger), not just the first or last.
//
// `any` is tolerant of condition errors (spec §7): a single condition
// erroring is swallowed with a warning and treated as not-matched: only
// when every clause with a Condition errors is the aggregate of all those
// errors (errors.Join) returned, distinct from `first`/`all`, which surface a condition
// error immediately.
func (ev *Evaluator) evalWhenAny(ctx context.Context, e *env.Environment, clauses []ast.WhenClause) (value.Value, error) {
	arr := &value.Array{C: value.NewCtx(value.Source{Kind: "literal"})}
	matched := false
	conditionCount := 0
	var condErrs []error
	for _, c := range clauses {
		if c.Condition == nil {
			continue
		}
		conditionCount++
		cond, err := ev.EvalExpr(ctx, e, c.Condition, true)
		if err != nil {
			condErrs = append(condErrs, err)
			if ev.Logger != nil {
				ev.Logger.Warn("when any: condition errored, treating as not matched", zap.Error(err))
			}
			continue
		}
		if value.Truthy(cond) {
			matched = true
			v, err := ev.EvalExpr(ctx, e, c.Action, false)
			if err != nil {
				return nil, err
			}
			arr.Items = append(arr.Items, v)
		}
	}
	if conditionCount > 0 && len(condErrs) == conditionCount {
		return nil, errors.Join(condErrs...)
	}
	if !matched {
		return emptyResult(), nil
	}
	return arr, nil
}

// evalForExpr evaluates the RHS-expression form of `for` (spec §4.2.2,
// §4.3), used on the right of `/var @x = for …`.
func (ev *Evaluator) evalForExpr(ctx context.Context, e *env.Environment, t *ast.ForExpr) (value.Value, error) {
	coll, err := ev.EvalExpr(ctx, e, t.Coll, false)
	if err != nil {
		return nil, err
	}
	items, keys, err := iterableOf(coll)
	if err != nil {
		return nil, err
	}
	bodyFn := func(iterEnv *env.Environment, bodyEv *Evaluator) (value.Value, error) {
		return bodyEv.EvalExpr(ctx, iterEnv, t.Body, false)
	}
	if t.Parallel {
		return ev.runForParallel(ctx, e, t.ItemVar, t.KeyVar, items, keys, t.MaxConc, bodyFn)
	}
	return ev.runForSequential(e, t.ItemVar, t.KeyVar, items, keys, bodyFn)
}
