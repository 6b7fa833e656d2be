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

// nativeExec builds a BodyNative Executable named name whose body is fn.
func nativeExec(name string, params []string, fn func(args []value.Value) (value.Value, error)) *value.Executable {
	return &value.Executable{
		Name:     name,
		Params:   params,
		BodyKind: value.BodyNative,
		Body:     value.NativeFunc(fn),
		Labels:   map[string]struct{}{},
		C:        litCtx(),
	}
}

func newTestEvaluator() *Evaluator {
	return &Evaluator{}
}

func pipeStage(name string) ast.PipeStage {
	return ast.PipeStage{Exec: &ast.ExecInvocation{Name: name}}
}

func TestPipelineSingleStage(t *testing.T) {
	root := env.NewRoot(nil)
	require.NoError(t, root.Set("upper", nativeExec("upper", []string{"text"}, func(args []value.Value) (value.Value, error) {
		return value.String{Val: value.AsString(args[0]) + "!", C: litCtx()}, nil
	})))

	expr := &ast.PipelineExpr{
		Source: &ast.StringLiteral{Value: "hi"},
		Stages: []ast.PipeStage{pipeStage("upper")},
	}

	out, err := newTestEvaluator().evalPipelineExpr(context.Background(), root, expr)
	require.NoError(t, err)
	assert.Equal(t, "hi!", value.AsString(out))
}

func TestPipelineNoStagesReturnsSource(t *testing.T) {
	root := env.NewRoot(nil)
	expr := &ast.PipelineExpr{Source: &ast.StringLiteral{Value: "plain"}}
	out, err := newTestEvaluator().evalPipelineExpr(context.Background(), root, expr)
	require.NoError(t, err)
	assert.Equal(t, "plain", value.AsString(out))
}

func TestPipelineRetryRerunsEarlierStage(t *testing.T) {
	root := env.NewRoot(nil)
	sourceAttempts := 0
	require.NoError(t, root.Set("source", nativeExec("source", nil, func(args []value.Value) (value.Value, error) {
		sourceAttempts++
		v := value.String{Val: "seed", C: litCtx()}
		v.C.Retryable = true
		return v, nil
	})))

	checked := 0
	require.NoError(t, root.Set("check", nativeExec("check", []string{"text"}, func(args []value.Value) (value.Value, error) {
		checked++
		if checked < 2 {
			// Builds the same sentinel shape @retry(0) would produce, since
			// this native closure isn't bound into the stage's own scope.
			obj := value.NewObject(litCtx())
			obj.Set(retryMarkerKey, value.Number{Val: 0, C: litCtx()})
			return obj, nil
		}
		return args[0], nil
	})))

	expr := &ast.PipelineExpr{
		Source: &ast.ExecInvocation{Name: "source"},
		Stages: []ast.PipeStage{pipeStage("check")},
	}

	out, err := newTestEvaluator().evalPipelineExpr(context.Background(), root, expr)
	require.NoError(t, err)
	assert.Equal(t, "seed", value.AsString(out))
	assert.Equal(t, 2, sourceAttempts)
	assert.Equal(t, 2, checked)
}

func TestPipelineForwardRetryRejected(t *testing.T) {
	root := env.NewRoot(nil)
	require.NoError(t, root.Set("a", nativeExec("a", []string{"x"}, func(args []value.Value) (value.Value, error) {
		obj := value.NewObject(litCtx())
		obj.Set(retryMarkerKey, value.Number{Val: 2, C: litCtx()})
		return obj, nil
	})))
	require.NoError(t, root.Set("b", nativeExec("b", []string{"x"}, func(args []value.Value) (value.Value, error) {
		return args[0], nil
	})))

	expr := &ast.PipelineExpr{
		Source: &ast.StringLiteral{Value: "s"},
		Stages: []ast.PipeStage{pipeStage("a"), pipeStage("b")},
	}
	_, err := newTestEvaluator().evalPipelineExpr(context.Background(), root, expr)
	require.Error(t, err)
}

func TestPipelineRetryLimitExceeded(t *testing.T) {
	root := env.NewRoot(nil)
	require.NoError(t, root.Set("seed", nativeExec("seed", nil, func(args []value.Value) (value.Value, error) {
		v := value.String{Val: "s", C: litCtx()}
		v.C.Retryable = true
		return v, nil
	})))
	require.NoError(t, root.Set("loop", nativeExec("loop", []string{"x"}, func(args []value.Value) (value.Value, error) {
		obj := value.NewObject(litCtx())
		obj.Set(retryMarkerKey, value.Number{Val: 0, C: litCtx()})
		return obj, nil
	})))

	expr := &ast.PipelineExpr{
		Source: &ast.ExecInvocation{Name: "seed"},
		Stages: []ast.PipeStage{pipeStage("loop")},
	}
	_, err := newTestEvaluator().evalPipelineExpr(context.Background(), root, expr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RetryLimitExceeded")
}

func TestPipelineArgsDestructuresObjectInput(t *testing.T) {
	execVal := &value.Executable{Params: []string{"a", "b"}}
	input := value.String{Val: `{"a": "1", "b": "2"}`, C: litCtx()}
	args, err := pipelineArgs(execVal, input, &ast.ExecInvocation{}, newTestEvaluator(), context.Background(), env.NewRoot(nil))
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, "1", value.AsString(args[0]))
	assert.Equal(t, "2", value.AsString(args[1]))
}

func TestPipelineArgsFallsBackToWholeInput(t *testing.T) {
	execVal := &value.Executable{Params: []string{"only"}}
	input := value.String{Val: "raw text", C: litCtx()}
	args, err := pipelineArgs(execVal, input, &ast.ExecInvocation{}, newTestEvaluator(), context.Background(), env.NewRoot(nil))
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.Equal(t, "raw text", value.AsString(args[0]))
}

func TestPipelineContextObjectExposesTryAndLazyAllTries(t *testing.T) {
	run := &pipelineRun{triesByStage: make([]int, 2), triesByTarget: make([]int, 2)}
	triesArr := &value.Array{C: litCtx()}
	pipelineObj := pipelineContextObject(litCtx(), run, 1, triesArr)

	sawTry, _ := pipelineObj.Get("try")
	assert.Equal(t, float64(1), sawTry.(value.Number).Val)

	run.recordAttempt(attemptRecord{Stage: 1, Attempt: 1, Input: "hi", Output: "hi!"})
	allObj, _ := pipelineObj.Get("all")
	triesLazy, _ := allObj.(*value.Object).Get("tries")
	forced, err := triesLazy.(*value.Lazy).Cell.Force()
	require.NoError(t, err)

	arr, ok := forced.(*value.Array)
	require.True(t, ok)
	require.Len(t, arr.Items, 1)
	entry := arr.Items[0].(*value.Object)
	stageVal, _ := entry.Get("stage")
	assert.Equal(t, float64(1), stageVal.(value.Number).Val)
	outputVal, _ := entry.Get("output")
	assert.Equal(t, "hi!", value.AsString(outputVal))
}

func TestPipelineStageRecordsAttemptOnSuccess(t *testing.T) {
	root := env.NewRoot(nil)
	require.NoError(t, root.Set("inspect", nativeExec("inspect", []string{"text"}, func(args []value.Value) (value.Value, error) {
		return args[0], nil
	})))

	expr := &ast.PipelineExpr{Stages: []ast.PipeStage{pipeStage("inspect")}}
	run := &pipelineRun{triesByStage: make([]int, 2), triesByTarget: make([]int, 2)}

	ev := newTestEvaluator()
	out, retryTarget, err := ev.runPipelineStage(context.Background(), root, expr, 1, value.String{Val: "hi", C: litCtx()}, run)
	require.NoError(t, err)
	assert.Equal(t, -1, retryTarget)
	assert.Equal(t, "hi", value.AsString(out))

	require.Len(t, run.attempts, 1)
	assert.Equal(t, "hi", run.attempts[0].Input)
	assert.Equal(t, "hi", run.attempts[0].Output)
}

func TestPipelineRunSpillsAttemptLogPastThreshold(t *testing.T) {
	run := &pipelineRun{triesByStage: make([]int, 2), triesByTarget: make([]int, 2)}
	for i := 0; i < attemptLogSpillThreshold+10; i++ {
		run.recordAttempt(attemptRecord{Stage: 1, Attempt: i + 1, Input: "x", Output: "y"})
	}
	assert.NotEmpty(t, run.spilled)
	assert.LessOrEqual(t, len(run.attempts), attemptLogSpillThreshold+10)

	all, err := run.allTries()
	require.NoError(t, err)
	assert.Len(t, all, attemptLogSpillThreshold+10)
	assert.Equal(t, 1, all[0].Attempt)
	assert.Equal(t, attemptLogSpillThreshold+10, all[len(all)-1].Attempt)
}

func TestRetryRequestRecognizesSentinel(t *testing.T) {
	obj := value.NewObject(litCtx())
	obj.Set(retryMarkerKey, value.Number{Val: 3, C: litCtx()})
	target, ok := retryRequest(obj)
	require.True(t, ok)
	assert.Equal(t, 3, target)

	_, ok = retryRequest(value.String{Val: "x", C: litCtx()})
	assert.False(t, ok)
}
