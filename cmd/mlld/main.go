// Command mlld is a thin demo harness for the interp package's SDK
// entry point — it exists to exercise Interpreter.Run/Validate
// end to end, not to be a complete mlld command-line tool (spec.md §1
// places "the CLI (argument parsing, interactive prompts)" explicitly
// out of the interpreter core's scope). Grounded on the teacher's
// cli/main.go cobra wiring, with its lexer/parser/planner pipeline
// replaced by the package's own Interpreter and the demo-only
// `parseDemo` stand-in parser (see parse.go).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mlld-lang/mlld/core/types"
	"github.com/mlld-lang/mlld/interp"
)

func main() {
	var (
		file       string
		format     string
		debug      bool
		verbose    bool
		validate   bool
		lockPath   string
		registry   string
	)

	rootCmd := &cobra.Command{
		Use:           "mlld [file]",
		Short:         "Run or validate an mlld program against the interpreter core",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				file = args[0]
			}
			if file == "" {
				return &CLIError{Message: "no input file given", Hint: "usage: mlld [-f path] <file>"}
			}

			source, err := os.ReadFile(file)
			if err != nil {
				return &CLIError{Message: fmt.Sprintf("cannot read %q: %v", file, err)}
			}

			itp, err := newInterpreter(file, format, debug, verbose, validate, lockPath, registry)
			if err != nil {
				return err
			}
			defer func() { _ = itp.Close() }()

			if validate {
				return runValidate(cmd, itp, string(source), file)
			}
			return runExecute(cmd, itp, string(source), format)
		},
	}

	rootCmd.Flags().StringVarP(&file, "file", "f", "", "path to the mlld program to run")
	rootCmd.Flags().StringVar(&format, "format", "markdown", "output format: markdown|xml|json|text")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "expose @debug as true inside the program")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level structured logging")
	rootCmd.Flags().BoolVar(&validate, "validate", false, "run the analyzer pre-pass instead of executing")
	rootCmd.Flags().StringVar(&lockPath, "lock", "", "path to mlld.lock.json (empty disables lock-file persistence)")
	rootCmd.Flags().StringVar(&registry, "registry", "", "override the module registry base URL")

	if err := rootCmd.Execute(); err != nil {
		FormatError(os.Stderr, err)
		os.Exit(interp.ExitCode(err))
	}
}

func newInterpreter(file, _ string, debug, verbose, _ bool, lockPath, registry string) (*interp.Interpreter, error) {
	absFile, err := filepath.Abs(file)
	if err != nil {
		return nil, &CLIError{Message: fmt.Sprintf("cannot resolve path for %q: %v", file, err)}
	}
	dir := filepath.Dir(absFile)

	cfg := interp.Config{
		ReadFile: os.ReadFile,
		Parse:    parseDemo,
		Path: types.PathContext{
			ProjectRoot: dir,
			FileDir:     dir,
			InvokeDir:   mustGetwd(),
		},
		RegistryURL: registry,
		LockPath:    lockPath,
		Debug:       debug,
		Verbose:     verbose,
	}

	itp, err := interp.New(cfg)
	if err != nil {
		return nil, err
	}
	return itp, nil
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func runExecute(cmd *cobra.Command, itp *interp.Interpreter, source, format string) error {
	result, err := itp.Run(context.Background(), source, interp.Options{Format: format})
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), result.Output)
	return nil
}

func runValidate(cmd *cobra.Command, itp *interp.Interpreter, source, file string) error {
	result, err := itp.Validate(source, file)
	if err != nil {
		return err
	}
	FormatDiagnostics(cmd.OutOrStdout(), file, len(result.Errors), len(result.Warnings)+len(result.AntiPatterns)+len(result.Redefinitions))
	if !result.Valid {
		return &CLIError{Message: fmt.Sprintf("%s failed validation", file)}
	}
	return nil
}
