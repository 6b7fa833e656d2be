package core

import (
	"context"

	"github.com/fxamacker/cbor/v2"

	"github.com/mlld-lang/mlld/core/ast"
	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/env"
)

// attemptLogSpillThreshold bounds how many in-memory attempt records a
// pipelineRun keeps before spilling the oldest half to a cbor-encoded
// chunk (spec §3.3 "append-only list … for @pipeline.all.tries"),
// mirroring the teacher's core/planfmt binary plan format for
// long-running state that shouldn't be held fully in memory.
const attemptLogSpillThreshold = 64

// attemptRecord is one entry of the pipeline's attempt log (spec §3.3
// "{stage, attempt, input, output, error?}").
type attemptRecord struct {
	Stage   int    `cbor:"stage"`
	Attempt int    `cbor:"attempt"`
	Input   string `cbor:"input"`
	Output  string `cbor:"output,omitempty"`
	Err     string `cbor:"error,omitempty"`
}

// Pipeline retry budgets (spec §3.3, §4.6): a stage may be retried a
// bounded number of times on its own, the whole pipeline bounds retries
// per triggering context, and a hard global ceiling stops runaway retry
// storms regardless of how the first two are spent.
const (
	maxRetriesPerStage = 10
	maxRetriesPerCtx   = 10
	maxRetriesGlobal   = 50
)

// pipelineRun tracks one pipeline evaluation's retry bookkeeping (spec
// §4.6 "attempt log"): `@pipeline.tries`/`@pipeline.all.tries` read off
// triesByStage. Three distinct caps apply (spec §3.3/§9 "per-stage /
// per-context / global retry caps"): triesByStage counts how many times
// a given stage slot has requested a retry (per-stage), triesByTarget
// counts how many times a given stage has been re-entered as someone
// else's retry target (per-context — the "context" being the stage
// state that gets restarted), and globalTries bounds the whole run.
type pipelineRun struct {
	triesByStage  []int
	triesByTarget []int
	globalTries   int

	// attempts is the in-memory tail of the attempt log; spilled holds
	// older chunks once it grows past attemptLogSpillThreshold.
	attempts []attemptRecord
	spilled  [][]byte
}

// recordAttempt appends one stage invocation's outcome to the attempt
// log, spilling the oldest half to cbor once the in-memory tail grows
// past attemptLogSpillThreshold.
func (run *pipelineRun) recordAttempt(rec attemptRecord) {
	run.attempts = append(run.attempts, rec)
	if len(run.attempts) <= attemptLogSpillThreshold {
		return
	}
	mid := len(run.attempts) / 2
	data, err := cbor.Marshal(run.attempts[:mid])
	if err != nil {
		return
	}
	run.spilled = append(run.spilled, data)
	run.attempts = append([]attemptRecord(nil), run.attempts[mid:]...)
}

// allTries decodes every spilled chunk and appends the in-memory tail,
// materializing the full attempt log for `@pipeline.all.tries` (spec
// §3.3 "lazily materialized") — only called when that slot is read.
func (run *pipelineRun) allTries() ([]attemptRecord, error) {
	all := make([]attemptRecord, 0, len(run.attempts))
	for _, chunk := range run.spilled {
		var recs []attemptRecord
		if err := cbor.Unmarshal(chunk, &recs); err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return append(all, run.attempts...), nil
}

// evalPipelineExpr evaluates `SOURCE | @t1 | @t2 | …` (spec §4.6).
// Stage 0 is the source expression itself; each subsequent stage invokes
// its executable with the prior stage's output as input, threading a
// shared retry ledger through every stage so the global cap applies
// pipeline-wide.
func (ev *Evaluator) evalPipelineExpr(ctx context.Context, e *env.Environment, t *ast.PipelineExpr) (value.Value, error) {
	src, err := ev.EvalExpr(ctx, e, t.Source, false)
	if err != nil {
		return nil, err
	}
	if len(t.Stages) == 0 {
		return src, nil
	}

	run := &pipelineRun{
		triesByStage:  make([]int, len(t.Stages)+1),
		triesByTarget: make([]int, len(t.Stages)+1),
	}
	stageOutputs := make([]value.Value, len(t.Stages)+1)
	stageOutputs[0] = src

	stage := 1
	for stage <= len(t.Stages) {
		input := stageOutputs[stage-1]
		out, retryTarget, err := ev.runPipelineStage(ctx, e, t, stage, input, run)
		if err != nil {
			return nil, err
		}
		if retryTarget >= 0 {
			if retryTarget >= stage {
				return nil, errs.New(errs.KindStageError, "stage %d may only retry an earlier stage, not %d", stage, retryTarget)
			}
			if retryTarget == 0 && !stageOutputs[0].Ctx().Retryable {
				return nil, errs.New(errs.KindNonRetryableSource, "stage 1 requested a retry of a non-retryable source")
			}
			run.triesByTarget[retryTarget]++
			if run.triesByTarget[retryTarget] > maxRetriesPerCtx {
				return nil, errs.New(errs.KindRetryLimitExceeded, "stage %d was retried into more than %d times", retryTarget, maxRetriesPerCtx)
			}
			if retryTarget == 0 {
				src, err = ev.EvalExpr(ctx, e, t.Source, false)
				if err != nil {
					return nil, err
				}
				stageOutputs[0] = src
			}
			stage = retryTarget + 1
			continue
		}
		stageOutputs[stage] = out
		stage++
	}
	return stageOutputs[len(t.Stages)], nil
}

// runPipelineStage invokes stage N's executable (1-indexed) against
// input, returning either its output or a retry request (spec §4.6
// "Stage state machine: Idle → Running → Complete | Retry(target) |
// Error"). Retry requests are recognized as the stage's action returning
// an Object carrying the reserved `__mlldRetry` key — the evaluator
// installs `@retry(n)` as a regular exec binding that builds exactly that
// shape, so stage bodies never special-case this at the language level.
func (ev *Evaluator) runPipelineStage(ctx context.Context, e *env.Environment, t *ast.PipelineExpr, stage int, input value.Value, run *pipelineRun) (value.Value, int, error) {
	pipeStage := t.Stages[stage-1]
	stageEnv := e.Child()

	ctxObj := value.NewObject(value.NewCtx(value.Source{Kind: "literal"}))
	ctxObj.Set("stage", value.Number{Val: float64(stage), C: ctxObj.C})
	ctxObj.Set("total", value.Number{Val: float64(len(t.Stages)), C: ctxObj.C})
	ctxObj.Set("attempt", value.Number{Val: float64(run.triesByStage[stage] + 1), C: ctxObj.C})
	triesArr := &value.Array{C: ctxObj.C}
	for _, n := range run.triesByStage[1:] {
		triesArr.Items = append(triesArr.Items, value.Number{Val: float64(n), C: ctxObj.C})
	}
	ctxObj.Set("tries", triesArr)
	_ = stageEnv.SetLet("ctx", ctxObj)
	_ = stageEnv.SetLet("input", input)
	_ = stageEnv.SetLet("retry", retryCallable(stage))
	_ = stageEnv.SetLet("pipeline", pipelineContextObject(ctxObj.C, run, stage, triesArr))

	callee, ok := stageEnv.Get(pipeStage.Exec.Name)
	if !ok {
		return nil, -1, errs.New(errs.KindUndefinedVariable, "undefined pipeline transformer %q", pipeStage.Exec.Name)
	}
	execVal, ok := callee.(*value.Executable)
	if !ok {
		return nil, -1, errs.New(errs.KindInvalidArgument, "%q is not callable", pipeStage.Exec.Name)
	}

	args, err := pipelineArgs(execVal, input, pipeStage.Exec, ev, ctx, stageEnv)
	if err != nil {
		return nil, -1, err
	}

	attemptNum := run.triesByStage[stage] + 1
	out, err := ev.Invoke(ctx, execVal, args)
	if err != nil {
		run.recordAttempt(attemptRecord{Stage: stage, Attempt: attemptNum, Input: value.AsString(input), Err: err.Error()})
		return nil, -1, errs.Wrap(errs.KindStageError, err, "pipeline stage %d (%s) failed", stage, pipeStage.Exec.Name)
	}

	if target, isRetry := retryRequest(out); isRetry {
		run.recordAttempt(attemptRecord{Stage: stage, Attempt: attemptNum, Input: value.AsString(input), Output: "<retry>"})
		run.triesByStage[stage]++
		run.globalTries++
		if run.triesByStage[stage] > maxRetriesPerStage || run.globalTries > maxRetriesGlobal {
			return nil, -1, errs.New(errs.KindRetryLimitExceeded, "pipeline stage %d exceeded its retry budget", stage)
		}
		return nil, target, nil
	}
	run.recordAttempt(attemptRecord{Stage: stage, Attempt: attemptNum, Input: value.AsString(input), Output: value.AsString(out)})
	return out, -1, nil
}

// pipelineContextObject builds the `@pipeline` binding visible to a stage
// body (spec §3.3 `@pipeline.try`/`@pipeline.tries`/`@pipeline.all.tries`).
// `.all.tries` is a value.Lazy so the full cross-context attempt log is
// only decoded from its cbor-spilled chunks when a stage body actually
// reads it.
func pipelineContextObject(c value.Ctx, run *pipelineRun, stage int, triesArr *value.Array) *value.Object {
	allObj := value.NewObject(c)
	allObj.Set("tries", &value.Lazy{C: c, Cell: value.NewCell(func() (value.Value, error) {
		recs, err := run.allTries()
		if err != nil {
			return nil, err
		}
		arr := &value.Array{C: c}
		for _, r := range recs {
			o := value.NewObject(c)
			o.Set("stage", value.Number{Val: float64(r.Stage), C: c})
			o.Set("attempt", value.Number{Val: float64(r.Attempt), C: c})
			o.Set("input", value.String{Val: r.Input, C: c})
			o.Set("output", value.String{Val: r.Output, C: c})
			if r.Err != "" {
				o.Set("error", value.String{Val: r.Err, C: c})
			}
			arr.Items = append(arr.Items, o)
		}
		return arr, nil
	})})

	pipelineObj := value.NewObject(c)
	pipelineObj.Set("try", value.Number{Val: float64(run.triesByStage[stage] + 1), C: c})
	pipelineObj.Set("tries", triesArr)
	pipelineObj.Set("all", allObj)
	return pipelineObj
}

// pipelineArgs implements spec §4.6's destructuring rule: a multi-param
// transformer receives a JSON object input destructured by key-match;
// anything else binds input wholesale to the first parameter, with the
// rest defaulted to empty strings.
func pipelineArgs(execVal *value.Executable, input value.Value, invocation *ast.ExecInvocation, ev *Evaluator, ctx context.Context, e *env.Environment) ([]value.Value, error) {
	if len(invocation.Args) > 0 {
		args := make([]value.Value, 0, len(invocation.Args))
		for _, a := range invocation.Args {
			v, err := ev.EvalExpr(ctx, e, a, false)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return args, nil
	}

	wrapped := wrapStructuredInput(input)
	if obj, ok := wrapped.(*value.Object); ok && len(execVal.Params) > 1 {
		args := make([]value.Value, len(execVal.Params))
		for i, p := range execVal.Params {
			if v, ok := obj.Get(p); ok {
				args[i] = v
			} else {
				args[i] = value.String{Val: "", C: wrapped.Ctx()}
			}
		}
		return args, nil
	}

	args := make([]value.Value, len(execVal.Params))
	for i := range execVal.Params {
		if i == 0 {
			args[i] = wrapped
		} else {
			args[i] = value.String{Val: "", C: wrapped.Ctx()}
		}
	}
	return args, nil
}

// wrapStructuredInput makes a format-aware input object for destructuring
// when the stage's input is JSON-parseable text (spec §4.6 "@input is
// Structured when the upstream output is format-aware"); otherwise it
// passes the value through unchanged.
func wrapStructuredInput(input value.Value) value.Value {
	s, ok := input.(value.String)
	if !ok {
		return input
	}
	parsed, err := jsonDecode(s.Val)
	if err != nil {
		return input
	}
	if obj, ok := parsed.(*value.Object); ok {
		return obj
	}
	return input
}

const retryMarkerKey = "__mlldRetry"

// retryCallable builds the `@retry(target)` callable bound into a stage's
// scope: calling it produces a sentinel Object the pipeline engine
// recognizes as a retry request rather than a real stage output (spec
// §4.6 "a stage may request retrying an earlier stage").
func retryCallable(currentStage int) *value.Executable {
	return &value.Executable{
		Name:     "retry",
		Params:   []string{"target"},
		BodyKind: value.BodyNative,
		Body: value.NativeFunc(func(args []value.Value) (value.Value, error) {
			target := currentStage - 1
			if len(args) > 0 {
				if n, ok := args[0].(value.Number); ok {
					target = int(n.Val)
				}
			}
			ctx := value.NewCtx(value.Source{Kind: "literal"})
			obj := value.NewObject(ctx)
			obj.Set(retryMarkerKey, value.Number{Val: float64(target), C: ctx})
			return obj, nil
		}),
		Labels: map[string]struct{}{},
		C:      value.NewCtx(value.Source{Kind: "literal"}),
	}
}

func retryRequest(v value.Value) (target int, ok bool) {
	obj, isObj := v.(*value.Object)
	if !isObj {
		return 0, false
	}
	marker, has := obj.Get(retryMarkerKey)
	if !has {
		return 0, false
	}
	n, isNum := marker.(value.Number)
	if !isNum {
		return 0, false
	}
	return int(n.Val), true
}
