// Package core implements the mutually-recursive heart of the
// interpreter: the expression evaluator, the directive dispatch table,
// the pipeline engine, and guard/policy evaluation (spec §4.2–§4.4,
// §4.6, §4.7). These four live in one package because they call back
// into each other constantly (a directive evaluates expressions; an
// expression may invoke an executable whose body is itself a block of
// directives; a pipeline stage is an executable invocation; a guard
// evaluates a `when`-shaped condition through the same expression path)
// — splitting them into separate packages would require one of them to
// import back into another, which Go disallows.
//
// Grounded on the teacher's core/decorator package (Decorator.Execute
// dispatches over a ValueEvalContext/ValueCall pair exactly the way this
// evaluator dispatches over ast.Expression variants), adapted from
// decorator-transport evaluation to mlld's directive/expression/pipeline
// evaluation.
package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/mlld-lang/mlld/core/ast"
	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/effect"
	"github.com/mlld-lang/mlld/interp/env"
	"github.com/mlld-lang/mlld/interp/resolver"
	"github.com/mlld-lang/mlld/interp/shadow"
)

// Evaluator is the shared dependency bundle every evaluation function in
// this package closes over — one per Interpreter instance, never shared
// across concurrent top-level runs (spec §5 "no process-wide state").
type Evaluator struct {
	Bus      *effect.Bus
	Shadow   *shadow.Pool
	Resolver *resolver.Chain
	Guards   *GuardRegistry
	ReadFile func(path string) ([]byte, error)

	// Parse turns fetched module source into a Program for `/import` to
	// evaluate (spec §4.5 step 7). The surface grammar/parser is a
	// collaborator out of this core's scope (spec §1), so it's injected
	// rather than imported directly.
	Parse func(source string) (*ast.Program, error)

	// Logger receives warnings for conditions this package tolerates
	// rather than fails on (e.g. a swallowed `when any` condition error,
	// spec §7). Nil is safe — nothing is logged.
	Logger *zap.Logger

	exprCache map[string]*vm.Program
}

func NewEvaluator(bus *effect.Bus, sh *shadow.Pool, res *resolver.Chain, guards *GuardRegistry, readFile func(string) ([]byte, error), parse func(string) (*ast.Program, error)) *Evaluator {
	return &Evaluator{Bus: bus, Shadow: sh, Resolver: res, Guards: guards, ReadFile: readFile, Parse: parse, exprCache: map[string]*vm.Program{}}
}

// EvalExpr evaluates expr in e, producing a Value (spec §4.3). inWhen
// controls field-access miss semantics: falsy inside a `when` condition,
// FieldNotFound elsewhere (spec §4.3 "Missing field inside when is
// falsy; elsewhere it is FieldNotFound").
func (ev *Evaluator) EvalExpr(ctx context.Context, e *env.Environment, expr ast.Expression, inWhen bool) (value.Value, error) {
	switch t := expr.(type) {
	case *ast.StringLiteral:
		return value.String{Val: t.Value, C: value.NewCtx(value.Source{Kind: "literal"})}, nil
	case *ast.NumberLiteral:
		return value.Number{Val: t.Value, C: value.NewCtx(value.Source{Kind: "literal"})}, nil
	case *ast.BooleanLiteral:
		return value.Boolean{Val: t.Value, C: value.NewCtx(value.Source{Kind: "literal"})}, nil
	case *ast.NullLiteral:
		return value.Null{C: value.NewCtx(value.Source{Kind: "literal"})}, nil
	case *ast.ArrayLiteral:
		return ev.evalArrayLiteral(ctx, e, t, inWhen)
	case *ast.ObjectLiteral:
		return ev.evalObjectLiteral(ctx, e, t, inWhen)
	case *ast.VariableRef:
		return ev.evalVariableRef(e, t, inWhen)
	case *ast.ExecInvocation:
		return ev.evalExecInvocation(ctx, e, t, inWhen)
	case *ast.Template:
		return ev.evalTemplate(ctx, e, t, inWhen)
	case *ast.FileLoadExpr:
		return ev.evalFileLoad(ctx, e, t)
	case *ast.PipelineExpr:
		return ev.evalPipelineExpr(ctx, e, t)
	case *ast.WhenExpr:
		return ev.evalWhenExpr(ctx, e, t)
	case *ast.ForExpr:
		return ev.evalForExpr(ctx, e, t)
	default:
		return nil, errs.New(errs.KindInternal, "unhandled expression type %T", expr)
	}
}

func (ev *Evaluator) evalArrayLiteral(ctx context.Context, e *env.Environment, t *ast.ArrayLiteral, inWhen bool) (value.Value, error) {
	ctxs := []value.Ctx{}
	arr := &value.Array{}
	for _, el := range t.Elements {
		v, err := ev.EvalExpr(ctx, e, el, inWhen)
		if err != nil {
			return nil, err
		}
		arr.Items = append(arr.Items, v)
		ctxs = append(ctxs, v.Ctx())
	}
	arr.C = value.Union(ctxs...)
	return arr, nil
}

func (ev *Evaluator) evalObjectLiteral(ctx context.Context, e *env.Environment, t *ast.ObjectLiteral, inWhen bool) (value.Value, error) {
	ctxs := []value.Ctx{}
	obj := value.NewObject(value.NewCtx(value.Source{Kind: "literal"}))
	for _, entry := range t.Entries {
		v, err := ev.EvalExpr(ctx, e, entry.Value, inWhen)
		if err != nil {
			return nil, err
		}
		obj.Set(entry.Key, v)
		ctxs = append(ctxs, v.Ctx())
	}
	obj.C = value.Union(ctxs...)
	return obj, nil
}

// evalVariableRef resolves Name then walks Path, applying the
// when-sensitive missing-field rule and Negate (spec §4.2.1, §4.3).
func (ev *Evaluator) evalVariableRef(e *env.Environment, t *ast.VariableRef, inWhen bool) (value.Value, error) {
	base, ok := e.Get(t.Name)
	if !ok {
		if inWhen {
			return applyNegate(value.Null{C: value.NewCtx(value.Source{Kind: "literal"})}, t.Negate), nil
		}
		return nil, errs.New(errs.KindUndefinedVariable, "undefined variable %q", t.Name).WithLocation(toLoc(t.Pos()))
	}
	cur := base
	for _, step := range t.Path {
		next, ok := stepInto(cur, step)
		if !ok {
			if inWhen {
				return applyNegate(value.Null{C: cur.Ctx()}, t.Negate), nil
			}
			return nil, errs.New(errs.KindFieldNotFound, "field %q not found on %q", fieldLabel(step), t.Name).WithLocation(toLoc(t.Pos()))
		}
		cur = next
	}
	return applyNegate(cur, t.Negate), nil
}

func fieldLabel(step ast.FieldStep) string {
	if step.IsIdx {
		return fmt.Sprintf("[%d]", step.Index)
	}
	return step.Key
}

func stepInto(v value.Value, step ast.FieldStep) (value.Value, bool) {
	if step.IsIdx {
		arr, ok := v.(*value.Array)
		if !ok || step.Index < 0 || step.Index >= len(arr.Items) {
			return nil, false
		}
		return arr.Items[step.Index], true
	}
	obj, ok := v.(*value.Object)
	if !ok {
		return nil, false
	}
	return obj.Get(step.Key)
}

func applyNegate(v value.Value, negate bool) value.Value {
	if !negate {
		return v
	}
	return value.Boolean{Val: !value.Truthy(v), C: v.Ctx()}
}

// exprBuiltinOps maps the condition operators when/guard expressions call
// as if they were executables (`@eq(@a, @b)`, `@contains(@list, @x)`) to
// the expr-lang source that implements them, so `@a == @b`-shaped host
// comparisons don't need their own hand-rolled AST node (spec §4.7's
// guard conditions "over host-native operators").
var exprBuiltinOps = map[string]string{
	"eq":       "a == b",
	"ne":       "a != b",
	"lt":       "a < b",
	"lte":      "a <= b",
	"gt":       "a > b",
	"gte":      "a >= b",
	"and":      "a && b",
	"or":       "a || b",
	"contains": "a contains b",
	"not":      "!a",
}

// evalExecInvocation evaluates args and invokes the named Executable
// (spec §4.4).
func (ev *Evaluator) evalExecInvocation(ctx context.Context, e *env.Environment, t *ast.ExecInvocation, inWhen bool) (value.Value, error) {
	callee, ok := e.Get(t.Name)
	if !ok {
		if src, isBuiltin := exprBuiltinOps[t.Name]; isBuiltin {
			return ev.evalBuiltinOp(ctx, e, t, src)
		}
		if inWhen {
			return value.Boolean{Val: t.Negate, C: value.NewCtx(value.Source{Kind: "literal"})}, nil
		}
		return nil, errs.New(errs.KindUndefinedVariable, "undefined executable %q", t.Name).WithLocation(toLoc(t.Pos()))
	}
	execVal, ok := callee.(*value.Executable)
	if !ok {
		return nil, errs.New(errs.KindInvalidArgument, "%q is not callable", t.Name).WithLocation(toLoc(t.Pos()))
	}
	args := make([]value.Value, 0, len(t.Args))
	for _, a := range t.Args {
		v, err := ev.EvalExpr(ctx, e, a, false)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	out, err := ev.Invoke(ctx, execVal, args)
	if err != nil {
		return nil, errs.Wrap(errs.KindCommandFailed, err, "invoking %q", t.Name).WithLocation(toLoc(t.Pos()))
	}
	return applyNegate(out, t.Negate), nil
}

// evalBuiltinOp evaluates one of exprBuiltinOps's comparison/boolean
// forms by compiling its expr-lang source once per Evaluator (cached in
// exprCache) and running it against the call's evaluated arguments bound
// as "a" (and "b" for binary ops).
func (ev *Evaluator) evalBuiltinOp(ctx context.Context, e *env.Environment, t *ast.ExecInvocation, src string) (value.Value, error) {
	if len(t.Args) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "%q requires at least one argument", t.Name).WithLocation(toLoc(t.Pos()))
	}
	argEnv := map[string]any{}
	names := []string{"a", "b"}
	for i, a := range t.Args {
		if i >= len(names) {
			break
		}
		v, err := ev.EvalExpr(ctx, e, a, false)
		if err != nil {
			return nil, err
		}
		argEnv[names[i]] = valueToAny(v)
	}

	prog, err := ev.compileCond(src, argEnv)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prog, argEnv)
	if err != nil {
		return nil, errs.Wrap(errs.KindCommandFailed, err, "evaluating %q", t.Name).WithLocation(toLoc(t.Pos()))
	}
	b, _ := out.(bool)
	return applyNegate(value.Boolean{Val: b, C: value.NewCtx(value.Source{Kind: "literal"})}, t.Negate), nil
}

// Invoke dispatches an Executable call to the body-kind-appropriate
// execution path (spec §4.4). The Executable's own captured environment
// anchors name resolution inside the body; parameters shadow it.
func (ev *Evaluator) Invoke(ctx context.Context, execVal *value.Executable, args []value.Value) (value.Value, error) {
	bodyEnv := env.FromSnapshot(execVal.Captured)
	for i, p := range execVal.Params {
		var av value.Value = value.Null{C: value.NewCtx(value.Source{Kind: "literal"})}
		if i < len(args) {
			av = args[i]
		}
		if err := bodyEnv.Set(p, av); err != nil {
			return nil, err
		}
	}

	out, err := ev.invokeBody(ctx, bodyEnv, execVal, args)
	if err != nil {
		return nil, err
	}
	return withExecProvenance(out, execVal), nil
}

func (ev *Evaluator) invokeBody(ctx context.Context, bodyEnv *env.Environment, execVal *value.Executable, args []value.Value) (value.Value, error) {
	switch execVal.BodyKind {
	case value.BodyTemplate:
		body := execVal.Body.(*ast.TemplateBody)
		return ev.evalTemplate(ctx, bodyEnv, body.Template, false)

	case value.BodyCommand:
		body := execVal.Body.(*ast.CommandBody)
		cmdVal, err := ev.evalTemplate(ctx, bodyEnv, body.Command, false)
		if err != nil {
			return nil, err
		}
		argMap := paramMap(execVal.Params, args)
		return ev.Shadow.Run(ctx, shadow.Call{Lang: shadow.Shell, Source: value.AsString(cmdVal), Params: execVal.Params, Args: argMap})

	case value.BodyCode:
		body := execVal.Body.(*ast.CodeBody)
		argMap := paramMap(execVal.Params, args)
		return ev.Shadow.Run(ctx, shadow.Call{Lang: langFor(body.Language), Source: body.Source, Params: execVal.Params, Args: argMap})

	case value.BodySection:
		body := execVal.Body.(*ast.SectionBody)
		fileVal, err := ev.evalTemplate(ctx, bodyEnv, body.File, false)
		if err != nil {
			return nil, err
		}
		content, labels, err := ev.readPath(ctx, value.AsString(fileVal))
		if err != nil {
			return nil, err
		}
		section := extractSection(content, body.Section)
		c := value.NewCtx(value.Source{Kind: "file", Ref: value.AsString(fileVal)})
		for _, l := range labels {
			c = c.WithLabel(value.Label(l))
		}
		return value.String{Val: section, C: c}, nil

	case value.BodyResolverPath:
		body := execVal.Body.(*ast.ResolverPathBody)
		resolved, err := ev.Resolver.Resolve(ctx, body.Path, bodyEnv.ImportStack(), 0)
		if err != nil {
			return nil, err
		}
		return value.String{Val: resolved.Content, C: value.NewCtx(value.Source{Kind: "dynamic", Ref: body.Path})}, nil

	case value.BodyNative:
		fn := execVal.Body.(value.NativeFunc)
		return fn(args)

	default:
		return nil, errs.New(errs.KindInternal, "unhandled exec body kind %v", execVal.BodyKind)
	}
}

// withExecProvenance marks the call's result retryable and carrying the
// executable's own labels (spec §8 property 4: "retryable(v) = true iff
// EXPR is a call expression").
func withExecProvenance(v value.Value, execVal *value.Executable) value.Value {
	c := v.Ctx()
	c.Retryable = true
	for l := range execVal.Labels {
		c = c.WithLabel(value.Label(l))
	}
	c = applyBuiltinPolicyLabels(c, execVal.Labels)
	return rewrapWithCtx(v, c)
}

func rewrapWithCtx(v value.Value, c value.Ctx) value.Value {
	switch t := v.(type) {
	case value.String:
		t.C = c
		return t
	case value.Number:
		t.C = c
		return t
	case value.Boolean:
		t.C = c
		return t
	case value.Null:
		t.C = c
		return t
	case *value.Array:
		t.C = c
		return t
	case *value.Object:
		t.C = c
		return t
	case *value.LoadContent:
		t.C = c
		return t
	case *value.LoadContentArray:
		t.C = c
		return t
	case *value.Structured:
		t.C = c
		return t
	default:
		return v
	}
}

func paramMap(params []string, args []value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(params))
	for i, p := range params {
		if i < len(args) {
			out[p] = args[i]
		} else {
			out[p] = value.Null{}
		}
	}
	return out
}

func langFor(l ast.CodeLanguage) shadow.Language {
	switch l {
	case ast.LangJS:
		return shadow.JS
	case ast.LangNode:
		return shadow.Node
	case ast.LangPython:
		return shadow.Python
	default:
		return shadow.Shell
	}
}

// readPath loads the content at path, routing anything that isn't a
// plain filesystem path (URLs, `keychain:scope/name`, `@scope/module`)
// through the resolver chain instead of the local filesystem; the
// returned labels (e.g. "secret" for keychain refs) are the caller's
// responsibility to apply to the resulting value's Ctx.
func (ev *Evaluator) readPath(ctx context.Context, path string) (string, []string, error) {
	if usesResolverChain(path) {
		resolved, err := ev.Resolver.Resolve(ctx, path, nil, 0)
		if err != nil {
			return "", nil, err
		}
		return resolved.Content, resolved.Labels, nil
	}
	data, err := ev.ReadFile(path)
	if err != nil {
		return "", nil, errs.Wrap(errs.KindFileNotFound, err, "reading %q", path)
	}
	return string(data), nil, nil
}

func usesResolverChain(path string) bool {
	return resolver.IsURL(path) || strings.HasPrefix(path, "@") || strings.HasPrefix(path, "keychain:")
}

// extractSection returns the body text of the first Markdown heading
// whose text equals name (spec §4.4 "Section extraction … extract
// heading section by name equality").
func extractSection(content, name string) string {
	lines := splitLines(content)
	start, end := -1, len(lines)
	level := 0
	for i, line := range lines {
		hLevel, text, isHeading := headingOf(line)
		if !isHeading {
			continue
		}
		if start == -1 {
			if text == name {
				start = i + 1
				level = hLevel
			}
			continue
		}
		if hLevel <= level {
			end = i
			break
		}
	}
	if start == -1 {
		return ""
	}
	out := ""
	for _, line := range lines[start:end] {
		out += line + "\n"
	}
	return out
}

func headingOf(line string) (level int, text string, ok bool) {
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	if i == 0 || i >= len(line) || line[i] != ' ' {
		return 0, "", false
	}
	return i, stripSpace(line[i+1:]), true
}

func stripSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
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

func toLoc(p ast.Position) errs.Location {
	return errs.Location{File: p.File, Line: p.Line, Column: p.Column}
}

// compileCond compiles a guard/when condition string through expr-lang,
// caching the compiled program per Evaluator instance (spec §4.7 guard
// conditions share the same mini-language as `when`).
func (ev *Evaluator) compileCond(src string, env map[string]any) (*vm.Program, error) {
	if p, ok := ev.exprCache[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidationFailed, err, "compiling condition %q", src)
	}
	ev.exprCache[src] = p
	return p, nil
}
