package core

import (
	"context"
	"strings"

	"github.com/mlld-lang/mlld/core/ast"
	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/env"
	"github.com/mlld-lang/mlld/interp/resolver"
)

// evalTemplate interpolates t's parts in e (spec §4.2.3). Delimiter-specific
// interpolation-syntax differences (`@var` vs `{{var}}`) are resolved by
// the parser into a uniform TemplatePart.Expr; this evaluator only cares
// about concatenation order and file-load/pipe parts.
func (ev *Evaluator) evalTemplate(ctx context.Context, e *env.Environment, t *ast.Template, inWhen bool) (value.Value, error) {
	var b strings.Builder
	ctxs := []value.Ctx{}
	for _, part := range t.Parts {
		switch {
		case part.Literal != "":
			b.WriteString(part.Literal)
		case part.Expr != nil:
			v, err := ev.EvalExpr(ctx, e, part.Expr, inWhen)
			if err != nil {
				return nil, err
			}
			b.WriteString(value.AsString(v))
			ctxs = append(ctxs, v.Ctx())
		case part.File != nil:
			v, err := ev.evalFileLoad(ctx, e, part.File)
			if err != nil {
				return nil, err
			}
			b.WriteString(value.AsString(v))
			ctxs = append(ctxs, v.Ctx())
		}
	}
	c := value.Union(ctxs...)
	return value.String{Val: b.String(), C: c}, nil
}

// evalFileLoad resolves a `<path>`/`<url>`/`<glob>` expression into a
// LoadContent or LoadContentArray (spec §3.1, §4.3), applying any
// condensed pipe stages and the `as "..."` naming clause.
func (ev *Evaluator) evalFileLoad(ctx context.Context, e *env.Environment, t *ast.FileLoadExpr) (value.Value, error) {
	if t.CurrentRef {
		cur, ok := e.Get("__currentGlobItem")
		if !ok {
			return nil, errs.New(errs.KindInvalidArgument, "<> placeholder used outside a glob iteration")
		}
		return cur, nil
	}

	pathVal, err := ev.evalTemplate(ctx, e, t.Path, false)
	if err != nil {
		return nil, err
	}
	path := value.AsString(pathVal)

	if t.IsGlob {
		return ev.evalGlobLoad(ctx, e, t, path)
	}

	content, labels, err := ev.readPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if t.Section != "" {
		content = extractSection(content, t.Section)
	}

	lcCtx := value.NewCtx(value.Source{Kind: sourceKindFor(path), Ref: path})
	for _, l := range labels {
		lcCtx = lcCtx.WithLabel(value.Label(l))
	}
	lc := &value.LoadContent{
		Content:  content,
		Filename: basename(path),
		Relative: path,
		Absolute: path,
		C:        lcCtx,
	}
	if resolver.IsURL(path) {
		lc.URL = path
	}
	lc.Tokens = value.NewCell(func() (value.Value, error) {
		return value.Number{Val: float64(estimateTokens(lc.Content)), C: lc.C}, nil
	})
	lc.Tokest = estimateTokens(lc.Content)
	lc.FM = value.NewCell(func() (value.Value, error) {
		return parseFrontmatter(lc.Content), nil
	})
	lc.JSON = value.NewCell(func() (value.Value, error) {
		return parseJSONLoose(lc.Content)
	})

	var result value.Value = lc
	for _, pipe := range t.Pipes {
		result, err = ev.evalExecInvocation(ctx, bindCurrent(e, result), pipe, false)
		if err != nil {
			return nil, err
		}
	}
	if t.As != nil {
		asEnv := bindCurrent(e, result)
		asVal, err := ev.evalTemplate(ctx, asEnv, t.As, false)
		if err != nil {
			return nil, err
		}
		return value.String{Val: value.AsString(asVal), C: result.Ctx()}, nil
	}
	return result, nil
}

func bindCurrent(e *env.Environment, cur value.Value) *env.Environment {
	c := e.Child()
	_ = c.SetLet("__currentGlobItem", cur)
	return c
}

func (ev *Evaluator) evalGlobLoad(ctx context.Context, e *env.Environment, t *ast.FileLoadExpr, pattern string) (value.Value, error) {
	paths, err := ev.expandGlob(pattern)
	if err != nil {
		return nil, err
	}
	out := &value.LoadContentArray{GlobPattern: pattern, C: value.NewCtx(value.Source{Kind: "file", Ref: pattern})}
	for _, p := range paths {
		content, labels, err := ev.readPath(ctx, p)
		if err != nil {
			return nil, err
		}
		itemCtx := value.NewCtx(value.Source{Kind: "file", Ref: p})
		for _, l := range labels {
			itemCtx = itemCtx.WithLabel(value.Label(l))
		}
		lc := &value.LoadContent{
			Content:  content,
			Filename: basename(p),
			Relative: p,
			Absolute: p,
			C:        itemCtx,
		}
		out.Items = append(out.Items, lc)
	}
	return out, nil
}

func sourceKindFor(path string) string {
	if resolver.IsURL(path) {
		return "url"
	}
	return "file"
}

func basename(path string) string {
	i := strings.LastIndexAny(path, "/\\")
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// parseFrontmatter extracts a leading `---\n...\n---` YAML block as a
// best-effort flat object; a full YAML parse lives at the module-manifest
// boundary (core/types), not here, since most frontmatter accessed from
// templates is simple key: value pairs.
func parseFrontmatter(content string) value.Value {
	ctx := value.NewCtx(value.Source{Kind: "file"})
	if !strings.HasPrefix(content, "---\n") {
		return value.Null{C: ctx}
	}
	end := strings.Index(content[4:], "\n---")
	if end < 0 {
		return value.Null{C: ctx}
	}
	block := content[4 : 4+end]
	obj := value.NewObject(ctx)
	for _, line := range strings.Split(block, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if key == "" {
			continue
		}
		obj.Set(key, value.String{Val: val, C: ctx})
	}
	return obj
}

func parseJSONLoose(content string) (value.Value, error) {
	return jsonDecode(content)
}
