package core

import (
	"fmt"

	"github.com/mlld-lang/mlld/core/ast"
)

// Severity distinguishes a blocking Diagnostic from an advisory one.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one finding from Validate, carrying enough to render a
// location-tagged message and to key it back to a suppression rule in
// project config (spec §6.5 "suppressible via project config").
type Diagnostic struct {
	Code     string
	Severity Severity
	Message  string
	Location ast.Position
}

// ValidationResult is the analyzer output spec §6.5 names: a JSON
// document describing one program without evaluating it.
type ValidationResult struct {
	FilePath      string
	Valid         bool
	Errors        []Diagnostic
	Warnings      []Diagnostic
	Redefinitions []Diagnostic
	AntiPatterns  []Diagnostic
	Executables   []string
	Exports       []string
	Imports       []string
	Guards        []string
	Needs         map[string]bool
}

// reservedNames mirrors env.reserved (spec §3.2); duplicated here rather
// than exported from env to keep Validate a pure AST-only pass with no
// dependency on the live environment package.
var reservedNames = map[string]bool{
	"now": true, "base": true, "root": true, "debug": true,
	"input": true, "mx": true, "fm": true, "ctx": true, "pipeline": true,
}

// Validate walks prog and reports anti-patterns and structural facts
// without evaluating anything, grounded on the teacher's separate
// validation-pass idiom (runtime/validation/recursion.go's single
// top-down walk over a built tree, runtime/parser/validation.go's
// mode-specific structural checks) adapted from recursion detection to
// the anti-pattern codes spec §6.5 names.
func Validate(filePath string, prog *ast.Program) *ValidationResult {
	v := &ValidationResult{
		FilePath: filePath,
		Needs:    map[string]bool{},
	}

	declared := map[string]ast.Position{}
	topLevelVars := map[string]bool{}

	for _, d := range prog.Directives {
		v.walkTop(d, declared, topLevelVars)
	}

	v.Valid = len(v.Errors) == 0
	return v
}

func (v *ValidationResult) walkTop(d ast.Directive, declared map[string]ast.Position, topLevelVars map[string]bool) {
	switch t := d.(type) {
	case *ast.VarDirective:
		v.checkRedefinition("var:"+t.Name, t.Name, t.Position, declared)
		topLevelVars[t.Name] = true
		if we, ok := t.Value.(*ast.WhenExpr); ok {
			v.checkImplicitReturn(we.Modifier, t.Name, we.Clauses, t.Position)
		}
		v.checkDeprecatedTransform(t.Value)

	case *ast.ExeDirective:
		v.checkRedefinition("exe:"+t.Name, t.Name, t.Position, declared)
		v.Executables = append(v.Executables, t.Name)
		v.checkParamShadowing(t, topLevelVars)
		v.collectNeeds(t.Body)

	case *ast.PathDirective:
		v.checkRedefinition("path:"+t.Name, t.Name, t.Position, declared)

	case *ast.ImportDirective:
		v.Imports = append(v.Imports, templateSourceText(t.Source))

	case *ast.ExportDirective:
		v.Exports = append(v.Exports, t.Names...)

	case *ast.GuardDirective:
		v.Guards = append(v.Guards, t.Name)

	case *ast.WhenDirective:
		v.checkImplicitReturn(t.Modifier, t.BindTo, t.Clauses, t.Position)
		for _, c := range t.Clauses {
			v.checkDeprecatedTransform(c.Action)
		}

	case *ast.ForDirective:
		if t.Parallel && t.MaxConc < 0 {
			v.Errors = append(v.Errors, Diagnostic{
				Code:     "invalid-concurrency",
				Severity: SeverityError,
				Message:  fmt.Sprintf("for loop over @%s has a negative parallel concurrency limit", t.ItemVar),
				Location: t.Position,
			})
		}
		blockVars := map[string]bool{}
		for k := range topLevelVars {
			blockVars[k] = true
		}
		for _, inner := range t.Block {
			if vd, ok := inner.(*ast.VarDirective); ok && blockVars[vd.Name] {
				v.AntiPatterns = append(v.AntiPatterns, Diagnostic{
					Code:     "mutable-state",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("@%s is rebound inside a for loop body that already had it in scope — each iteration mutates shared state instead of producing a fresh value", vd.Name),
					Location: vd.Position,
				})
			}
			v.walkTop(inner, declared, blockVars)
		}

	case *ast.OutputDirective:
		v.checkDeprecatedTransform(t.Value)

	case *ast.EnvDirective:
		for _, inner := range t.Block {
			v.walkTop(inner, declared, topLevelVars)
		}
	}
}

func (v *ValidationResult) checkRedefinition(key, name string, pos ast.Position, declared map[string]ast.Position) {
	if prev, ok := declared[key]; ok {
		v.Redefinitions = append(v.Redefinitions, Diagnostic{
			Code:     "redefinition",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%q redefined (first declared at %s)", name, prev),
			Location: pos,
		})
		return
	}
	declared[key] = pos
}

// checkParamShadowing flags an /exe parameter name that collides with a
// reserved slot or a name already bound by an outer /var directive,
// either of which silently shadows the outer binding for the body of
// the exec (spec §3.2 scoping rules say params bind in a child scope,
// but the collision is still a readability trap worth surfacing).
func (v *ValidationResult) checkParamShadowing(t *ast.ExeDirective, topLevelVars map[string]bool) {
	seen := map[string]bool{}
	for _, p := range t.Params {
		if seen[p] {
			v.AntiPatterns = append(v.AntiPatterns, Diagnostic{
				Code:     "exe-parameter-shadowing",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("@%s's parameter %q is declared more than once", t.Name, p),
				Location: t.Position,
			})
			continue
		}
		seen[p] = true
		if reservedNames[p] || topLevelVars[p] {
			v.AntiPatterns = append(v.AntiPatterns, Diagnostic{
				Code:     "exe-parameter-shadowing",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("@%s's parameter %q shadows an outer binding of the same name", t.Name, p),
				Location: t.Position,
			})
		}
	}
}

// checkImplicitReturn flags a when-block bound to a variable (the
// `/var @x = when ...` form, or a nested WhenExpr with the same shape)
// that has no `*` default arm: if every condition is false the bound
// variable's value is implementation-defined rather than a value the
// source text names.
func (v *ValidationResult) checkImplicitReturn(modifier ast.WhenModifier, bindTo string, clauses []ast.WhenClause, pos ast.Position) {
	if bindTo == "" {
		return
	}
	for _, c := range clauses {
		if c.Condition == nil {
			return
		}
	}
	v.AntiPatterns = append(v.AntiPatterns, Diagnostic{
		Code:     "when-exe-implicit-return",
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("when-block bound to @%s has no default `*` arm — falls through to an implicit value if no condition matches", bindTo),
		Location: pos,
	})
}

// checkDeprecatedTransform flags the legacy `| @json` pipe stage name,
// superseded by the structured `/output … to … format json` form (spec
// §4.8); it checks the stages of e when e is itself a pipeline and does
// not descend into nested expressions.
func (v *ValidationResult) checkDeprecatedTransform(e ast.Expression) {
	pipe, ok := e.(*ast.PipelineExpr)
	if !ok {
		return
	}
	for _, stage := range pipe.Stages {
		if stage.Exec != nil && stage.Exec.Name == "json" {
			v.AntiPatterns = append(v.AntiPatterns, Diagnostic{
				Code:     "deprecated-json-transform",
				Severity: SeverityWarning,
				Message:  "`| @json` is deprecated — use `/output … format json` instead",
				Location: stage.Exec.Position,
			})
		}
	}
}

// collectNeeds records which shadow-execution languages an /exe body
// uses, feeding the manifest's `needs` map (spec §6.4/§6.5).
func (v *ValidationResult) collectNeeds(body ast.ExecBody) {
	code, ok := body.(ast.CodeBody)
	if !ok {
		return
	}
	switch code.Language {
	case ast.LangJS:
		v.Needs["js"] = true
	case ast.LangNode:
		v.Needs["node"] = true
	case ast.LangPython:
		v.Needs["py"] = true
	case ast.LangShell:
		v.Needs["sh"] = true
	}
}

func templateSourceText(t *ast.Template) string {
	if t == nil {
		return ""
	}
	var s string
	for _, p := range t.Parts {
		s += p.Literal
	}
	return s
}
