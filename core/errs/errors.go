// Package errs implements the typed error taxonomy of the interpreter core.
//
// Every interpreter-raised error is an *Error carrying a Kind from the
// taxonomy, an optional Location, an optional Cause, and free-form Context
// for diagnostics. Non-interpreter panics and host exceptions are wrapped
// into an InterpreterError (Kind = KindInternal) at the outer evaluation boundary
// so callers never have to type-switch on foreign error types.
package errs

import (
	"fmt"
	"strings"
)

// Kind identifies a taxonomy entry from spec §7.
type Kind string

const (
	// Directive errors
	KindValidationFailed Kind = "ValidationFailed"
	KindInvalidArgument  Kind = "InvalidArgument"

	// Variable errors
	KindUndefinedVariable  Kind = "UndefinedVariable"
	KindFieldNotFound      Kind = "FieldNotFound"
	KindImmutableRebinding Kind = "ImmutableRebinding"
	KindReservedName       Kind = "ReservedName"

	// Import errors
	KindFileNotFound       Kind = "FileNotFound"
	KindCircularImport     Kind = "CircularImport"
	KindImportCollision    Kind = "ImportCollision"
	KindIntegrityMismatch  Kind = "IntegrityMismatch"
	KindResolverUnavailable Kind = "ResolverUnavailable"
	KindLazyCycle          Kind = "LazyCycle"

	// Command errors
	KindCommandFailed Kind = "CommandFailed"
	KindTimeout       Kind = "Timeout"

	// Pipeline errors
	KindNonRetryableSource  Kind = "NonRetryableSource"
	KindRetryLimitExceeded  Kind = "RetryLimitExceeded"
	KindStageError          Kind = "StageError"

	// Policy errors
	KindPolicyDenial   Kind = "PolicyDenial"
	KindTaintViolation Kind = "TaintViolation"

	// System errors
	KindAborted  Kind = "Aborted"
	KindIOError  Kind = "IOError"
	KindInternal Kind = "InterpreterError"
)

// Location is a source position, when derivable.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	if l.File == "" && l.Line == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Frame is one entry of the directive-execution stack shown in the
// bordered error box (spec §7 "User-visible behavior").
type Frame struct {
	File string
	Line int
	What string // e.g. "/import <./b.mld>", "@retry stage 2"
}

// Error is the single error type every interpreter component raises.
type Error struct {
	Kind     Kind
	Message  string
	Cause    error
	Location Location
	Frames   []Frame
	Context  map[string]any
}

// New creates an *Error with no cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Context: map[string]any{}}
}

// Wrap creates an *Error chaining an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause, Context: map[string]any{}}
}

// WithLocation attaches a source location and returns the receiver for chaining.
func (e *Error) WithLocation(loc Location) *Error {
	e.Location = loc
	return e
}

// WithFrame appends one directive-execution frame and returns the receiver.
func (e *Error) WithFrame(f Frame) *Error {
	e.Frames = append(e.Frames, f)
	return e
}

// WithContext adds a context key/value and returns the receiver.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if loc := e.Location.String(); loc != "" {
		fmt.Fprintf(&b, " (at %s)", loc)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the cause chain to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, errs.New(errs.KindUndefinedVariable, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// InterpreterError wraps a non-*Error (host panic, foreign library error)
// encountered at the interpreter's outer evaluation boundary.
func InterpreterError(cause error) *Error {
	return Wrap(KindInternal, cause, "unexpected error during evaluation")
}

// ExitCode maps a Kind to the process exit code in spec §6.3.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if as(err, &e) {
		switch e.Kind {
		case KindPolicyDenial, KindTaintViolation:
			return 2
		case KindFileNotFound, KindCircularImport, KindImportCollision,
			KindIntegrityMismatch, KindResolverUnavailable:
			return 3
		}
	}
	return 1
}

// as is a tiny local errors.As to avoid importing "errors" just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
