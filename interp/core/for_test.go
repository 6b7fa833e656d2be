package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/effect"
	"github.com/mlld-lang/mlld/interp/env"
)

func litCtx() value.Ctx { return value.NewCtx(value.Source{Kind: "literal"}) }

func strVal(s string) value.String { return value.String{Val: s, C: litCtx()} }

func TestIterableOfArray(t *testing.T) {
	arr := &value.Array{C: litCtx(), Items: []value.Value{strVal("a"), strVal("b")}}
	items, keys, err := iterableOf(arr)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, value.Number{Val: 0, C: keys[0].Ctx()}, keys[0])
	assert.Equal(t, value.Number{Val: 1, C: keys[1].Ctx()}, keys[1])
}

func TestIterableOfObjectPreservesInsertionOrder(t *testing.T) {
	obj := value.NewObject(litCtx())
	obj.Set("b", strVal("2"))
	obj.Set("a", strVal("1"))
	items, keys, err := iterableOf(obj)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, strVal("2"), items[0])
	assert.Equal(t, strVal("1"), items[1])
	assert.Equal(t, strVal("b"), keys[0])
	assert.Equal(t, strVal("a"), keys[1])
}

func TestIterableOfRejectsScalar(t *testing.T) {
	_, _, err := iterableOf(strVal("nope"))
	require.Error(t, err)
}

func TestRunForSequentialAccumulates(t *testing.T) {
	root := env.NewRoot(nil)
	arr := &value.Array{C: litCtx(), Items: []value.Value{strVal("x"), strVal("y"), strVal("z")}}
	items, keys, err := iterableOf(arr)
	require.NoError(t, err)

	ev := &Evaluator{}
	result, err := ev.runForSequential(root, "item", "", items, keys, func(iterEnv *env.Environment, bodyEv *Evaluator) (value.Value, error) {
		v, ok := iterEnv.Get("item")
		require.True(t, ok)
		return v, nil
	})
	require.NoError(t, err)
	out, ok := result.(*value.Array)
	require.True(t, ok)
	require.Len(t, out.Items, 3)
	assert.Equal(t, strVal("x"), out.Items[0])
	assert.Equal(t, strVal("z"), out.Items[2])
}

func TestRunForSequentialStopsOnFirstError(t *testing.T) {
	root := env.NewRoot(nil)
	arr := &value.Array{C: litCtx(), Items: []value.Value{strVal("x"), strVal("y")}}
	items, keys, err := iterableOf(arr)
	require.NoError(t, err)

	ev := &Evaluator{}
	calls := 0
	_, err = ev.runForSequential(root, "item", "", items, keys, func(iterEnv *env.Environment, bodyEv *Evaluator) (value.Value, error) {
		calls++
		return nil, assertErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

var assertErr = errNoop{}

type errNoop struct{}

func (errNoop) Error() string { return "boom" }

func TestRunForParallelCollectsErrorsIntoCtx(t *testing.T) {
	root := env.NewRoot(nil)
	arr := &value.Array{C: litCtx(), Items: []value.Value{strVal("a"), strVal("b"), strVal("c")}}
	items, keys, err := iterableOf(arr)
	require.NoError(t, err)

	ev := &Evaluator{}
	_, err = ev.runForParallel(context.Background(), root, "item", "", items, keys, 2, func(iterEnv *env.Environment, bodyEv *Evaluator) (value.Value, error) {
		v, _ := iterEnv.Get("item")
		if value.AsString(v) == "b" {
			return nil, assertErr
		}
		return v, nil
	})
	require.NoError(t, err)

	ctxVal, ok := root.Get("ctx")
	require.True(t, ok)
	ctxObj, ok := ctxVal.(*value.Object)
	require.True(t, ok)
	errsVal, ok := ctxObj.Get("errors")
	require.True(t, ok)
	errsArr, ok := errsVal.(*value.Array)
	require.True(t, ok)
	require.Len(t, errsArr.Items, 1)

	entry, ok := errsArr.Items[0].(*value.Object)
	require.True(t, ok)
	idx, _ := entry.Get("index")
	assert.Equal(t, value.Number{Val: 1, C: idx.Ctx()}, idx)
}

// TestRunForParallelEmitsEffectsInInputIndexOrder makes later-index
// iterations finish first (shorter sleep) and confirms effects still
// land on the bus in input-index order, not completion order (spec
// §4.8/§6, property 6: same equality after reordering by input index).
func TestRunForParallelEmitsEffectsInInputIndexOrder(t *testing.T) {
	root := env.NewRoot(nil)
	arr := &value.Array{C: litCtx(), Items: []value.Value{strVal("a"), strVal("b"), strVal("c")}}
	items, keys, err := iterableOf(arr)
	require.NoError(t, err)

	bus := effect.New()
	ev := &Evaluator{Bus: bus}
	_, err = ev.runForParallel(context.Background(), root, "item", "", items, keys, 3, func(iterEnv *env.Environment, bodyEv *Evaluator) (value.Value, error) {
		v, _ := iterEnv.Get("item")
		idxVal, _ := iterEnv.Get("ctx")
		idx := idxVal.(*value.Object)
		n, _ := idx.Get("index")
		// Reverse-order sleep: the highest index finishes first.
		time.Sleep(time.Duration(3-int(n.(value.Number).Val)) * 20 * time.Millisecond)
		bodyEv.Bus.Show(fmt.Sprintf("iter-%s", value.AsString(v)))
		return v, nil
	})
	require.NoError(t, err)

	log := bus.Log()
	require.Len(t, log, 3)
	assert.Equal(t, "iter-a", log[0].Text)
	assert.Equal(t, "iter-b", log[1].Text)
	assert.Equal(t, "iter-c", log[2].Text)
}
