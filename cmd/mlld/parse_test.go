package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlld-lang/mlld/core/ast"
)

func TestParseDemoShowStringLiteral(t *testing.T) {
	prog, err := parseDemo(`/show "hello"`)
	require.NoError(t, err)
	require.Len(t, prog.Directives, 1)

	show, ok := prog.Directives[0].(*ast.ShowDirective)
	require.True(t, ok)
	lit, ok := show.Value.(*ast.StringLiteral)
	require.True(t, ok)
	assert.Equal(t, "hello", lit.Value)
}

func TestParseDemoVarWithVariableRef(t *testing.T) {
	prog, err := parseDemo("/var @x = \"1\"\n/var @y = @x")
	require.NoError(t, err)
	require.Len(t, prog.Directives, 2)

	second, ok := prog.Directives[1].(*ast.VarDirective)
	require.True(t, ok)
	assert.Equal(t, "y", second.Name)
	ref, ok := second.Value.(*ast.VariableRef)
	require.True(t, ok)
	assert.Equal(t, "x", ref.Name)
}

func TestParseDemoSkipsBlankLinesAndComments(t *testing.T) {
	prog, err := parseDemo("\n# a comment\n/show \"x\"\n\n")
	require.NoError(t, err)
	assert.Len(t, prog.Directives, 1)
}

func TestParseDemoRejectsUnknownDirective(t *testing.T) {
	_, err := parseDemo("/run \"echo hi\"")
	require.Error(t, err)
}

func TestParseDemoRejectsMalformedVar(t *testing.T) {
	_, err := parseDemo("/var @x \"missing equals\"")
	require.Error(t, err)
}
