// Package shadow implements execution of `js`/`node`/`python`/`sh` exec
// bodies (spec §4.4) and parameter marshaling into the target language.
// Each call gets its own interpreter/subprocess so concurrent `for
// parallel(N)` iterations of the same language never share state
// (spec §5: "contexts are not shared between concurrent tasks of the
// same language").
//
// Grounded on the teacher's core/decorator.SessionPool
// (GetOrCreate-by-transport-hash session lifecycle,
// core/decorator/local_session.go's Transport-around-process-launch
// abstraction), retargeted from pooling SSH/local shell sessions to a
// single owning Pool per interpreter instance.
package shadow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"reflect"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/value"
)

// Language identifies a shadow execution target (spec §4.4).
type Language string

const (
	JS     Language = "js"
	Node   Language = "node"
	Python Language = "python"
	Shell  Language = "sh"
)

// HelperSet is a language-scoped set of already-defined mlld executables
// injected as callable functions into subsequent shadow bodies, per
// spec §4.4 ("`/exe js = { helper1, helper2 }` injects a set of
// already-defined mlld executables as callable functions").
type HelperSet struct {
	Language Language
	Names    []string
	Call     func(name string, args []value.Value) (value.Value, error)
}

// TypeInfoProvider backs the `mlld` helper exposed to JS/Node/Python
// shadows (`getType`, `isVariable`, `getMetadata`, spec §4.4).
type TypeInfoProvider interface {
	GetType(name string) (string, bool)
	IsVariable(name string) bool
	GetMetadata(name string) (map[string]any, bool)
}

// Pool is the owning handle for shadow execution within one interpreter
// instance; it exists to give Close() a single place to hang cleanup of
// any resources future language backends accumulate.
type Pool struct {
	mu sync.Mutex
}

func NewPool() *Pool {
	return &Pool{}
}

// Call executes one shadow body and returns its demarshaled result
// (spec §4.4 "Return value captured as JSON; parsed back into a value if
// it round-trips").
type Call struct {
	Lang       Language
	Source     string
	Params     []string
	Args       map[string]value.Value
	Helpers    []HelperSet
	TypeInfo   TypeInfoProvider
	Timeout    time.Duration // 0 = no timeout
	Concurrent bool          // true inside a `for parallel` iteration; Run does not read it, as every call gets a fresh runtime
}

// Marshal converts a parameter Value into the representation passed into
// shadow code (spec §4.4 "Parameter marshaling"): primitives pass
// directly, objects/arrays pass as language-native structures,
// LoadContent collapses to its `content` string, missing args bind to
// null/undefined.
func Marshal(v value.Value) any {
	switch t := v.(type) {
	case nil:
		return nil
	case value.Null:
		return nil
	case value.String:
		return t.Val
	case value.Number:
		return t.Val
	case value.Boolean:
		return t.Val
	case *value.Array:
		out := make([]any, len(t.Items))
		for i, it := range t.Items {
			out[i] = Marshal(it)
		}
		return out
	case *value.Object:
		out := map[string]any{}
		for _, k := range t.Keys {
			out[k] = Marshal(t.Vals[k])
		}
		return out
	case *value.LoadContent:
		return t.Content
	case *value.LoadContentArray:
		out := make([]any, len(t.Items))
		for i, it := range t.Items {
			out[i] = it.Content
		}
		return out
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Demarshal parses a JSON-encoded shadow return value back into a Value,
// falling back to a plain String if it doesn't round-trip as JSON
// (spec §4.4).
func Demarshal(raw string) value.Value {
	ctx := value.NewCtx(value.Source{Kind: "exec"})
	ctx.Retryable = true
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return value.String{Val: raw, C: ctx}
	}
	return fromJSON(parsed, ctx)
}

func fromJSON(v any, ctx value.Ctx) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null{C: ctx}
	case string:
		return value.String{Val: t, C: ctx}
	case float64:
		return value.Number{Val: t, C: ctx}
	case bool:
		return value.Boolean{Val: t, C: ctx}
	case []any:
		arr := &value.Array{C: ctx}
		for _, item := range t {
			arr.Items = append(arr.Items, fromJSON(item, ctx))
		}
		return arr
	case map[string]any:
		obj := value.NewObject(ctx)
		for k, val := range t {
			obj.Set(k, fromJSON(val, ctx))
		}
		return obj
	default:
		return value.String{Val: fmt.Sprintf("%v", t), C: ctx}
	}
}

// Run executes c, dispatching to the yaegi-backed JS/Node shadow or the
// subprocess-backed Python/sh shadow.
func (p *Pool) Run(ctx context.Context, c Call) (value.Value, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	switch c.Lang {
	case JS, Node:
		return p.runJS(ctx, c)
	case Python:
		return p.runSubprocess(ctx, "python3", c)
	case Shell:
		return p.runSubprocess(ctx, "sh", c)
	default:
		return nil, errs.New(errs.KindInvalidArgument, "unknown shadow language %q", c.Lang)
	}
}

// runJS evaluates c.Source as Go (yaegi's dialect) standing in for the
// shadow JS/Node body: parameters are bound as package-level symbols via
// vm.Use rather than text-spliced into the source, so arbitrary values
// (including ones JSON can't round-trip, like a bound helper func) cross
// the boundary safely.
func (p *Pool) runJS(ctx context.Context, c Call) (value.Value, error) {
	vm := interp.New(interp.Options{})
	if err := vm.Use(stdlib.Symbols); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "initializing shadow JS runtime")
	}

	bound := map[string]reflect.Value{}
	for _, name := range c.Params {
		val := c.Args[name]
		bound[name] = reflect.ValueOf(Marshal(val))
	}
	for _, hs := range c.Helpers {
		for _, name := range hs.Names {
			hs := hs
			name := name
			fn := func(args ...any) (any, error) {
				vargs := make([]value.Value, len(args))
				for i, a := range args {
					data, _ := json.Marshal(a)
					vargs[i] = Demarshal(string(data))
				}
				res, err := hs.Call(name, vargs)
				if err != nil {
					return nil, err
				}
				return Marshal(res), nil
			}
			bound[name] = reflect.ValueOf(fn)
		}
	}
	if err := vm.Use(interp.Exports{
		"mlldshadow/mlldshadow": bound,
	}); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "binding shadow parameters")
	}
	if _, err := vm.Eval(`import . "mlldshadow/mlldshadow"`); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "importing shadow parameter bindings")
	}

	done := make(chan struct{})
	var result interp.Value
	var runErr error
	go func() {
		result, runErr = vm.Eval(c.Source)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return nil, errs.New(errs.KindTimeout, "shadow %s execution timed out", c.Lang)
	case <-done:
	}
	if runErr != nil {
		return nil, errs.Wrap(errs.KindCommandFailed, runErr, "shadow %s execution failed", c.Lang)
	}
	if !result.IsValid() {
		return value.Null{}, nil
	}
	data, err := json.Marshal(result.Interface())
	if err != nil {
		return value.String{Val: fmt.Sprintf("%v", result.Interface())}, nil
	}
	return Demarshal(string(data)), nil
}

func (p *Pool) runSubprocess(ctx context.Context, bin string, c Call) (value.Value, error) {
	var script string
	switch c.Lang {
	case Python:
		script = pythonHarness(c)
	default:
		script = c.Source
	}

	cmd := exec.CommandContext(ctx, bin, "-c", script)
	if c.Lang == Shell {
		cmd = exec.CommandContext(ctx, bin, "-c", c.Source)
		cmd.Env = append(cmd.Env, shellEnv(c)...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errs.New(errs.KindTimeout, "shadow %s execution timed out", c.Lang)
		}
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return nil, errs.Wrap(errs.KindCommandFailed, err, "shadow %s execution failed", c.Lang).
			WithContext("exitCode", exitCode).
			WithContext("stderr", stderr.String())
	}
	return Demarshal(stdout.String()), nil
}

// pythonHarness binds the parameters as module-level variables, wraps the
// user's source as the body of a function, and prints the JSON encoding of
// that function's return value to stdout, matching spec §4.4's "Return
// value captured as JSON".
func pythonHarness(c Call) string {
	var b bytes.Buffer
	b.WriteString("import json\n")
	for _, name := range c.Params {
		val, ok := c.Args[name]
		var marshaled any
		if ok {
			marshaled = Marshal(val)
		}
		data, _ := json.Marshal(marshaled)
		fmt.Fprintf(&b, "%s = json.loads(%q)\n", name, string(data))
	}
	b.WriteString("def __mlld_body__():\n")
	for _, line := range splitLines(c.Source) {
		b.WriteString("    " + line + "\n")
	}
	b.WriteString("print(json.dumps(__mlld_body__()))\n")
	return b.String()
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// shellEnv renders bound parameters as shell environment assignments —
// shell receives string forms only via this dedicated adapter, per
// spec §4.4 ("no helper functions leak into $var").
func shellEnv(c Call) []string {
	var out []string
	for _, name := range c.Params {
		val := c.Args[name]
		out = append(out, fmt.Sprintf("%s=%s", name, value.AsString(val)))
	}
	return out
}

// Close releases pool-held resources — called when the owning environment
// is destroyed (spec §4.4 "Cleanup"). Each call currently owns its full
// runtime lifecycle, so this is a no-op placed for parity with the
// teacher's SessionPool.Close, and as the hook future pooled backends
// attach to.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return nil
}
