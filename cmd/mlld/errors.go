package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mlld-lang/mlld/core/errs"
)

// CLIError is a demo-binary-only error shape, grounded on the teacher's
// cli/errors.go CLIError{Type, Message, Details, Hint} — used for
// usage mistakes the binary itself detects (bad flags, missing file)
// rather than anything the interpreter core raises.
type CLIError struct {
	Message string
	Hint    string
}

func (e *CLIError) Error() string {
	if e.Hint == "" {
		return e.Message
	}
	return e.Message + "\n" + e.Hint
}

// FormatError renders err in a bordered box (spec §7 "User-visible
// behavior"), using lipgloss for the border rather than the teacher's
// hand-rolled ANSI codes — see DESIGN.md's `cmd/mlld` entry for why.
func FormatError(w io.Writer, err error) {
	if err == nil {
		return
	}

	var body strings.Builder
	switch e := err.(type) {
	case *errs.Error:
		fmt.Fprintln(&body, errorTitleStyle.Render(string(e.Kind)))
		fmt.Fprintln(&body, e.Message)
		if loc := e.Location.String(); loc != "" {
			fmt.Fprintln(&body, mutedStyle.Render("at "+loc))
		}
		for _, f := range e.Frames {
			fmt.Fprintln(&body, mutedStyle.Render(fmt.Sprintf("  via %s (%s:%d)", f.What, f.File, f.Line)))
		}
		if e.Cause != nil {
			fmt.Fprintln(&body, mutedStyle.Render("caused by: "+e.Cause.Error()))
		}
	case *CLIError:
		fmt.Fprintln(&body, errorTitleStyle.Render("Error"))
		fmt.Fprintln(&body, e.Message)
		if e.Hint != "" {
			fmt.Fprintln(&body, hintStyle.Render("Hint: "+e.Hint))
		}
	default:
		fmt.Fprintln(&body, errorTitleStyle.Render("Error"))
		fmt.Fprintln(&body, err.Error())
	}

	fmt.Fprintln(w, errorBoxStyle.Render(strings.TrimRight(body.String(), "\n")))
}

// FormatDiagnostics renders a non-fatal Validate() result summary.
func FormatDiagnostics(w io.Writer, filePath string, errorCount, warningCount int) {
	if errorCount == 0 && warningCount == 0 {
		fmt.Fprintln(w, mutedStyle.Render(filePath+": no issues found"))
		return
	}
	fmt.Fprintf(w, "%s: %s, %s\n", filePath,
		warnTitleStyle.Render(fmt.Sprintf("%d error(s)", errorCount)),
		hintStyle.Render(fmt.Sprintf("%d warning(s)", warningCount)))
}
