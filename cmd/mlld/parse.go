package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mlld-lang/mlld/core/ast"
)

// parseDemo is a minimal line-oriented stand-in for the real mlld
// grammar, which spec.md §1 explicitly places out of the interpreter
// core's scope ("the surface grammar and parser... are modeled as
// collaborators whose interfaces the core consumes"). It recognizes
// just enough of the directive surface — `/var @name = "literal"`,
// `/var @name = @other`, and `/show EXPR` — to drive the demo binary
// end to end against `interp.New`'s `Parse` hook without pretending to
// implement the full language.
func parseDemo(source string) (*ast.Program, error) {
	prog := &ast.Program{}
	for i, raw := range strings.Split(source, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d, err := parseDemoLine(line, i+1)
		if err != nil {
			return nil, err
		}
		if d != nil {
			prog.Directives = append(prog.Directives, d)
		}
	}
	return prog, nil
}

func parseDemoLine(line string, lineNo int) (ast.Directive, error) {
	switch {
	case strings.HasPrefix(line, "/var "):
		return parseDemoVar(strings.TrimPrefix(line, "/var "), lineNo)
	case strings.HasPrefix(line, "/show "):
		expr, err := parseDemoExpr(strings.TrimPrefix(line, "/show "))
		if err != nil {
			return nil, err
		}
		return &ast.ShowDirective{Value: expr}, nil
	default:
		return nil, fmt.Errorf("line %d: unrecognized directive (demo parser only understands /var and /show): %q", lineNo, line)
	}
}

func parseDemoVar(rest string, lineNo int) (ast.Directive, error) {
	name, expr, ok := strings.Cut(rest, "=")
	if !ok {
		return nil, fmt.Errorf("line %d: /var missing '=': %q", lineNo, rest)
	}
	name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	value, err := parseDemoExpr(strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	return &ast.VarDirective{Name: name, Value: value}, nil
}

func parseDemoExpr(text string) (ast.Expression, error) {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "@"):
		return &ast.VariableRef{Name: strings.TrimPrefix(text, "@")}, nil
	case strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && len(text) >= 2:
		return &ast.StringLiteral{Value: text[1 : len(text)-1]}, nil
	default:
		if n, err := strconv.ParseFloat(text, 64); err == nil {
			return &ast.NumberLiteral{Value: n}, nil
		}
		return nil, fmt.Errorf("cannot parse expression: %q", text)
	}
}
