package core

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/mlld-lang/mlld/core/ast"
)

func hasCode(diags []Diagnostic, code string) bool {
	for _, d := range diags {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestValidateFlagsTopLevelRedefinition(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.VarDirective{Name: "x", Value: &ast.StringLiteral{Value: "1"}},
		&ast.VarDirective{Name: "x", Value: &ast.StringLiteral{Value: "2"}},
	}}

	result := Validate("a.mld", prog)
	assert.Len(t, result.Redefinitions, 1)
	assert.True(t, result.Valid)
}

func TestValidateFlagsParameterShadowingReservedName(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.ExeDirective{Name: "greet", Params: []string{"now"}, Body: ast.TemplateBody{}},
	}}

	result := Validate("a.mld", prog)
	assert.True(t, hasCode(result.AntiPatterns, "exe-parameter-shadowing"))
	assert.Contains(t, result.Executables, "greet")
}

func TestValidateFlagsDuplicateParameter(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.ExeDirective{Name: "dup", Params: []string{"a", "a"}, Body: ast.TemplateBody{}},
	}}

	result := Validate("a.mld", prog)
	assert.True(t, hasCode(result.AntiPatterns, "exe-parameter-shadowing"))
}

func TestValidateFlagsWhenBindWithoutDefaultArm(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.WhenDirective{
			BindTo: "result",
			Clauses: []ast.WhenClause{
				{Condition: &ast.BooleanLiteral{Value: true}, Action: &ast.StringLiteral{Value: "yes"}},
			},
		},
	}}

	result := Validate("a.mld", prog)
	assert.True(t, hasCode(result.AntiPatterns, "when-exe-implicit-return"))
}

func TestValidateAllowsWhenBindWithDefaultArm(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.WhenDirective{
			BindTo: "result",
			Clauses: []ast.WhenClause{
				{Condition: &ast.BooleanLiteral{Value: true}, Action: &ast.StringLiteral{Value: "yes"}},
				{Condition: nil, Action: &ast.StringLiteral{Value: "fallback"}},
			},
		},
	}}

	result := Validate("a.mld", prog)
	assert.False(t, hasCode(result.AntiPatterns, "when-exe-implicit-return"))
}

func TestValidateFlagsDeprecatedJSONPipeStage(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.OutputDirective{
			Value: &ast.PipelineExpr{
				Source: &ast.VariableRef{Name: "data"},
				Stages: []ast.PipeStage{{Exec: &ast.ExecInvocation{Name: "json"}}},
			},
		},
	}}

	result := Validate("a.mld", prog)
	assert.True(t, hasCode(result.AntiPatterns, "deprecated-json-transform"))
}

func TestValidateFlagsMutableStateInForLoop(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.VarDirective{Name: "total", Value: &ast.NumberLiteral{Value: 0}},
		&ast.ForDirective{
			ItemVar: "item",
			Coll:    &ast.VariableRef{Name: "items"},
			Block: []ast.Directive{
				&ast.VarDirective{Name: "total", Value: &ast.VariableRef{Name: "item"}},
			},
		},
	}}

	result := Validate("a.mld", prog)
	assert.True(t, hasCode(result.AntiPatterns, "mutable-state"))
}

func TestValidateCollectsNeedsFromCodeBodies(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.ExeDirective{Name: "run", Body: ast.CodeBody{Language: ast.LangPython, Source: "pass"}},
	}}

	result := Validate("a.mld", prog)
	assert.True(t, result.Needs["py"])
	assert.False(t, result.Needs["js"])
}

func TestValidateCollectsExportsImportsGuards(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.ImportDirective{Source: &ast.Template{Parts: []ast.TemplatePart{{Literal: "@scope/mod"}}}},
		&ast.ExportDirective{Names: []string{"a", "b"}},
		&ast.GuardDirective{Name: "blockSecrets"},
	}}

	result := Validate("a.mld", prog)
	assert.Equal(t, []string{"@scope/mod"}, result.Imports)
	assert.Equal(t, []string{"a", "b"}, result.Exports)
	assert.Equal(t, []string{"blockSecrets"}, result.Guards)
}

// TestValidateProducesStableShapeForCleanProgram diffs the full result
// against an expected literal rather than asserting field-by-field, the
// way the teacher's plan-tree roundtrip tests compare whole structures
// (core/planfmt/tree_roundtrip_test.go's cmp.Diff usage).
func TestValidateProducesStableShapeForCleanProgram(t *testing.T) {
	prog := &ast.Program{Directives: []ast.Directive{
		&ast.VarDirective{Name: "greeting", Value: &ast.StringLiteral{Value: "hi"}},
		&ast.ExportDirective{Names: []string{"greeting"}},
	}}

	result := Validate("clean.mld", prog)
	want := &ValidationResult{
		FilePath: "clean.mld",
		Valid:    true,
		Exports:  []string{"greeting"},
		Needs:    map[string]bool{},
	}

	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("validation result mismatch (-want +got):\n%s", diff)
	}
}
