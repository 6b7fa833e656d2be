package core

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/effect"
	"github.com/mlld-lang/mlld/interp/env"
)

// forBodyFn runs one loop iteration. It receives the Evaluator to
// evaluate through rather than closing over the outer one directly, so
// runForParallel can hand each iteration a private effect sink (spec
// §4.8 "effects from a given iteration emit contiguously … in original
// index order").
type forBodyFn func(iterEnv *env.Environment, bodyEv *Evaluator) (value.Value, error)

// iterableOf normalizes a collection Value into parallel items/keys
// slices (spec §4.2.2 "COLL: must be iterable"): arrays yield numeric
// keys, objects yield their string keys in insertion order, and
// LoadContentArray yields its items with numeric keys.
func iterableOf(coll value.Value) (items []value.Value, keys []value.Value, err error) {
	ctx := value.NewCtx(value.Source{Kind: "literal"})
	switch t := coll.(type) {
	case *value.Array:
		for i, item := range t.Items {
			items = append(items, item)
			keys = append(keys, value.Number{Val: float64(i), C: ctx})
		}
		return items, keys, nil
	case *value.Object:
		for _, k := range t.Keys {
			v, _ := t.Get(k)
			items = append(items, v)
			keys = append(keys, value.String{Val: k, C: ctx})
		}
		return items, keys, nil
	case *value.LoadContentArray:
		for i, lc := range t.Items {
			items = append(items, lc)
			keys = append(keys, value.Number{Val: float64(i), C: ctx})
		}
		return items, keys, nil
	default:
		return nil, nil, errs.New(errs.KindInvalidArgument, "for-loop collection is not iterable (%T)", coll)
	}
}

// iterError mirrors @ctx.errors' element shape (spec §4.2.2): index,
// message, cause (the wrapped error's message, or null when there is none).
func iterError(index int, err error) value.Value {
	ctx := value.NewCtx(value.Source{Kind: "literal"})
	obj := value.NewObject(ctx)
	obj.Set("index", value.Number{Val: float64(index), C: ctx})
	obj.Set("message", value.String{Val: err.Error(), C: ctx})
	var cause value.Value = value.Null{C: ctx}
	if c := errors.Unwrap(err); c != nil {
		cause = value.String{Val: c.Error(), C: ctx}
	}
	obj.Set("cause", cause)
	return obj
}

func bindIteration(parent *env.Environment, itemVar, keyVar string, item, key value.Value, index, length int) *env.Environment {
	child := parent.Child()
	_ = child.SetLet(itemVar, item)
	if keyVar != "" {
		_ = child.SetLet(keyVar, key)
	}
	ctxObj := value.NewObject(value.NewCtx(value.Source{Kind: "literal"}))
	ctxObj.Set("index", value.Number{Val: float64(index), C: ctxObj.C})
	ctxObj.Set("length", value.Number{Val: float64(length), C: ctxObj.C})
	_ = child.SetLet("ctx", ctxObj)
	return child
}

// runForSequential evaluates bodyFn once per item, in order, propagating
// the first error immediately (spec §4.2.2 "Sequential mode").
func (ev *Evaluator) runForSequential(parent *env.Environment, itemVar, keyVar string, items, keys []value.Value, bodyFn forBodyFn) (value.Value, error) {
	results := &value.Array{C: value.NewCtx(value.Source{Kind: "literal"})}
	for i, item := range items {
		var key value.Value
		if i < len(keys) {
			key = keys[i]
		}
		iterEnv := bindIteration(parent, itemVar, keyVar, item, key, i, len(items))
		v, err := bodyFn(iterEnv, ev)
		if err != nil {
			return nil, err
		}
		results.Items = append(results.Items, v)
	}
	return results, nil
}

// runForParallel fans bodyFn out across up to maxConc concurrent
// goroutines (spec §5 "bounded task pool of size N"), collecting
// successes in original index order and routing failures into
// `@ctx.errors` rather than aborting (spec §4.2.2 "Parallel mode").
// It binds the resulting `ctx` object (its `errors` list) into parent as
// an ephemeral let-binding visible to directives that follow the loop in
// the same scope.
func (ev *Evaluator) runForParallel(ctx context.Context, parent *env.Environment, itemVar, keyVar string, items, keys []value.Value, maxConc int, bodyFn forBodyFn) (value.Value, error) {
	if maxConc <= 0 {
		maxConc = len(items)
	}
	results := make([]value.Value, len(items))
	effectsByIndex := make([][]effect.Effect, len(items))
	var mu sync.Mutex
	var errList []value.Value

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConc)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			var key value.Value
			if i < len(keys) {
				key = keys[i]
			}
			iterEnv := bindIteration(parent, itemVar, keyVar, item, key, i, len(items))

			// Each iteration evaluates against its own effect sink rather
			// than ev.Bus directly, so concurrent iterations can't
			// interleave /show-style effects in completion order.
			iterBus := effect.New()
			iterEv := *ev
			iterEv.Bus = iterBus
			v, err := bodyFn(iterEnv, &iterEv)

			mu.Lock()
			defer mu.Unlock()
			effectsByIndex[i] = iterBus.Log()
			if err != nil {
				errList = append(errList, iterError(i, err))
				results[i] = value.Null{C: value.NewCtx(value.Source{Kind: "literal"})}
				return nil
			}
			results[i] = v
			return nil
		})
	}
	_ = g.Wait() // errors are routed into errList, never returned from Wait

	// Drain each iteration's buffered effects into the real bus in input
	// index order, so effect ordering is independent of completion order
	// (spec §4.8, §6, property 6).
	for _, effects := range effectsByIndex {
		for _, e := range effects {
			ev.Bus.Emit(e)
		}
	}

	sortErrorsByIndex(errList)
	ctxObj := value.NewObject(value.NewCtx(value.Source{Kind: "literal"}))
	errsArr := &value.Array{C: ctxObj.C}
	errsArr.Items = errList
	ctxObj.Set("errors", errsArr)
	_ = parent.SetLet("ctx", ctxObj)

	out := &value.Array{C: value.NewCtx(value.Source{Kind: "literal"})}
	out.Items = results
	return out, nil
}

func sortErrorsByIndex(errs []value.Value) {
	for i := 1; i < len(errs); i++ {
		for j := i; j > 0; j-- {
			a, _ := errs[j].(*value.Object).Get("index")
			b, _ := errs[j-1].(*value.Object).Get("index")
			if a.(value.Number).Val < b.(value.Number).Val {
				errs[j], errs[j-1] = errs[j-1], errs[j]
			} else {
				break
			}
		}
	}
}
