package interp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlld-lang/mlld/core/ast"
	"github.com/mlld-lang/mlld/core/types"
	"github.com/mlld-lang/mlld/core/value"
)

func parseShow(text string) func(string) (*ast.Program, error) {
	return func(string) (*ast.Program, error) {
		return &ast.Program{Directives: []ast.Directive{
			&ast.ShowDirective{Value: &ast.StringLiteral{Value: text}},
		}}, nil
	}
}

func newTestInterpreter(t *testing.T, parse func(string) (*ast.Program, error)) *Interpreter {
	t.Helper()
	itp, err := New(Config{
		ReadFile: func(path string) ([]byte, error) { return []byte("body of " + path), nil },
		Parse:    parse,
		Path:     types.PathContext{ProjectRoot: "/proj", FileDir: "/proj/src", InvokeDir: "/proj"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = itp.Close() })
	return itp
}

func TestRunConcatenatesShowEffects(t *testing.T) {
	itp := newTestInterpreter(t, parseShow("hello world"))
	result, err := itp.Run(context.Background(), "/show \"hello world\"", Options{})
	require.NoError(t, err)
	assert.Contains(t, result.Output, "hello world")
}

func TestRunInvokesCaptureEnvironment(t *testing.T) {
	itp := newTestInterpreter(t, parseShow("x"))
	var captured value.ModuleSnapshot
	_, err := itp.Run(context.Background(), "src", Options{CaptureEnvironment: func(snap value.ModuleSnapshot) {
		captured = snap
	}})
	require.NoError(t, err)
	assert.NotNil(t, captured)
}

func TestStreamEmitsStartEffectAndDoneInOrder(t *testing.T) {
	itp := newTestInterpreter(t, parseShow("streamed"))
	events := itp.Stream(context.Background(), "src", Options{})

	var kinds []string
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, "command:start", kinds[0])
	assert.Equal(t, "done", kinds[len(kinds)-1])
	assert.Contains(t, kinds, "effect")
}

func TestReservedProvidersExposeBaseAndRoot(t *testing.T) {
	itp := newTestInterpreter(t, parseShow("x"))
	providers := itp.reservedProviders()
	v, ok := providers["base"](nil)
	require.True(t, ok)
	assert.Equal(t, "/proj", v.String())

	v, ok = providers["root"](nil)
	require.True(t, ok)
	assert.Equal(t, "/proj", v.String())
}

func TestBuiltinSnapshotKnowsReservedNamesOnly(t *testing.T) {
	itp := newTestInterpreter(t, parseShow("x"))
	_, ok := itp.builtinSnapshot("now")
	assert.True(t, ok)
	_, ok = itp.builtinSnapshot("not-a-builtin")
	assert.False(t, ok)
}

func TestExitCodeDelegatesToErrs(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
}

func TestValidateReportsDiagnosticsWithoutEvaluating(t *testing.T) {
	itp := newTestInterpreter(t, func(string) (*ast.Program, error) {
		return &ast.Program{Directives: []ast.Directive{
			&ast.VarDirective{Name: "x", Value: &ast.StringLiteral{Value: "1"}},
			&ast.VarDirective{Name: "x", Value: &ast.StringLiteral{Value: "2"}},
		}}, nil
	})

	result, err := itp.Validate("/var @x = 1\n/var @x = 2", "a.mld")
	require.NoError(t, err)
	assert.Equal(t, "a.mld", result.FilePath)
	assert.True(t, result.Valid)
	assert.Len(t, result.Redefinitions, 1)
}
