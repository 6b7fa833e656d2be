// Package interp assembles the interpreter core's collaborating packages
// (env, effect, resolver, shadow, core) into the single entry point spec
// §6.3 describes as `processMlld`, plus its streaming event variant.
//
// Grounded on the teacher's core/sdk/execution.go ExecutionContext/Sink
// pattern for the event-streaming shape, and cmd/nerd/main.go's
// PersistentPreRunE zap.NewProductionConfig()/AtomicLevelAt idiom
// (theRebelliousNerd-codenerd) for structured logging setup, since the
// teacher itself never wires zap.
package interp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mlld-lang/mlld/core/ast"
	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/lockfile"
	"github.com/mlld-lang/mlld/core/types"
	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/core"
	"github.com/mlld-lang/mlld/interp/effect"
	"github.com/mlld-lang/mlld/interp/env"
	"github.com/mlld-lang/mlld/interp/resolver"
	"github.com/mlld-lang/mlld/interp/shadow"
)

// Config assembles the collaborators an Interpreter needs at construction
// time (spec §6.3's `fileSystem?`/`pathService?`/`pathContext?` options,
// generalized from per-call options to per-instance wiring since a Go
// host constructs one Interpreter and reuses it across calls rather than
// re-threading these on every invocation).
type Config struct {
	ReadFile func(path string) ([]byte, error)
	Parse    func(source string) (*ast.Program, error)
	Path     types.PathContext

	RegistryURL    string
	HTTPTimeout    time.Duration // 0 = 10s default
	KeychainLookup func(scope, name string) (string, bool)
	MCPLaunch      func(ctx context.Context, command string) ([]byte, error)

	LockPath string // "" disables lock-file persistence
	Debug    bool
	Verbose  bool // zap debug level

	DynamicModules map[string]string // spec §6.3 `dynamicModules` (pre-decoded to source text by the host)
}

// Interpreter is one constructed instance: a root environment template,
// the shared resolver chain/effect bus/shadow pool, and the directive
// evaluator that ties them together (spec §2 "ten components").
type Interpreter struct {
	eval     *core.Evaluator
	resolver *resolver.Chain
	bus      *effect.Bus
	shadow   *shadow.Pool
	lock     *lockfile.File
	lockPath string
	path     types.PathContext
	debug    bool
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
}

// New constructs an Interpreter, installing every built-in resolver in
// the priority order spec §4.5's table implies: namespaces that shadow a
// more general pattern (`builtin`'s bare names, `project`'s `@base/...`)
// must be registered ahead of the general-purpose resolvers they'd
// otherwise be swallowed by (spec §4.5 step 4: "first whose canResolve(ref)
// returns true wins").
func New(cfg Config) (*Interpreter, error) {
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return nil, err
	}

	lock, err := loadLock(cfg.LockPath)
	if err != nil {
		return nil, err
	}

	chain := resolver.NewChain(lock, cfg.LockPath)
	itp := &Interpreter{bus: effect.New(), shadow: shadow.NewPool(), resolver: chain, lock: lock, lockPath: cfg.LockPath, path: cfg.Path, debug: cfg.Debug, logger: logger}

	chain.Register(&resolver.BuiltinResolver{Snapshot: itp.builtinSnapshot})
	chain.Register(&resolver.ProjectResolver{ReadFile: cfg.ReadFile, BaseDir: cfg.Path.ProjectRoot})
	chain.Register(&resolver.KeychainResolver{Lookup: cfg.KeychainLookup})
	chain.Register(&resolver.MCPResolver{Launch: cfg.MCPLaunch})
	if len(cfg.DynamicModules) > 0 {
		chain.Register(&resolver.DynamicResolver{Modules: cfg.DynamicModules, Eval: itp})
	}
	chain.Register(resolver.NewHTTPResolver(httpTimeout(cfg.HTTPTimeout)))
	chain.Register(resolver.NewRegistryResolver(cfg.RegistryURL))
	chain.Register(&resolver.LocalResolver{ReadFile: cfg.ReadFile, BasePath: cfg.Path.FileDir})

	itp.eval = core.NewEvaluator(itp.bus, itp.shadow, chain, core.NewGuardRegistry(), cfg.ReadFile, cfg.Parse)
	itp.eval.Logger = logger
	return itp, nil
}

func httpTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func loadLock(path string) (*lockfile.File, error) {
	if path == "" {
		return lockfile.New("dev"), nil
	}
	return lockfile.Load(path)
}

// newLogger builds the structured logger used for interpreter-internal
// diagnostics (resolver fetches, pipeline retries, guard denials) —
// distinct from the effect bus, which carries user-visible program
// output, not operational logging.
func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return config.Build()
}

// builtinSnapshot backs the `builtin` resolver (spec §4.5 table), exposing
// the same reserved-slot values `@now`/`@base`/`@root`/`@debug` compute at
// read time as an importable namespace (`/import { now } from builtin`).
func (itp *Interpreter) builtinSnapshot(name string) (string, bool) {
	switch name {
	case "now":
		return fmt.Sprintf("%q", time.Now().UTC().Format(time.RFC3339)), true
	case "base":
		return fmt.Sprintf("%q", itp.path.ProjectRoot), true
	case "root":
		return fmt.Sprintf("%q", itp.path.ProjectRoot), true
	case "debug":
		return fmt.Sprintf("%v", itp.debug), true
	default:
		return "", false
	}
}

// reservedProviders binds the root environment's compile-time-constant
// reserved slots (spec §3.2: `now`, `base`, `root`, `debug`) — `input`,
// `mx`, `fm`, `ctx`, `pipeline` are bound per-scope instead (pipeline
// stages, `/env` blocks), not at the root.
//
// `base` and `root` both resolve to PathContext.ProjectRoot: the spec
// names them as separate reserved slots without distinguishing their
// values (open question, recorded in DESIGN.md), and nothing in the
// resolver or path-expression grammar treats them differently, so binding
// both to the project root is the reading that keeps `@base/...`-style
// path interpolation and `@root` working identically.
func (itp *Interpreter) reservedProviders() map[string]env.ReservedProvider {
	return map[string]env.ReservedProvider{
		"now": func(*env.Environment) (value.Value, bool) {
			return value.String{Val: time.Now().UTC().Format(time.RFC3339), C: value.NewCtx(value.Source{Kind: "literal", Ref: "now"})}, true
		},
		"base": func(*env.Environment) (value.Value, bool) {
			return value.String{Val: itp.path.ProjectRoot, C: value.NewCtx(value.Source{Kind: "literal", Ref: "base"})}, true
		},
		"root": func(*env.Environment) (value.Value, bool) {
			return value.String{Val: itp.path.ProjectRoot, C: value.NewCtx(value.Source{Kind: "literal", Ref: "root"})}, true
		},
		"debug": func(*env.Environment) (value.Value, bool) {
			return value.Boolean{Val: itp.debug, C: value.NewCtx(value.Source{Kind: "literal", Ref: "debug"})}, true
		},
	}
}

// EvaluateModule implements resolver.Evaluator, letting the dynamic
// resolver ask the interpreter to run a nested module's body and capture
// its bindings, without resolver importing core back (spec §4.5 "dynamic"
// resolver kind; breaks the resolver<->core import cycle the same way
// DynamicResolver's injected Eval field does for the teacher's decorator
// registry pattern).
func (itp *Interpreter) EvaluateModule(ctx context.Context, source, path string) (map[string]value.Value, error) {
	prog, err := itp.eval.Parse(source)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidationFailed, err, "parsing module %q", path)
	}
	root := env.NewRoot(itp.reservedProviders())
	if err := itp.eval.EvalProgram(ctx, root, prog); err != nil {
		return nil, err
	}
	out := map[string]value.Value{}
	for _, name := range root.ExportedNames() {
		v, ok := root.Get(name)
		if ok {
			out[name] = v
		}
	}
	return out, nil
}

// Validate is the analyzer entry point spec §6.5 names: parse source and
// report structural facts and anti-patterns without evaluating anything,
// so a caller (editor tooling, CI lint step) can surface diagnostics on
// a program that may not be safe to run yet.
func (itp *Interpreter) Validate(source, filePath string) (*core.ValidationResult, error) {
	prog, err := itp.eval.Parse(source)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidationFailed, err, "parsing %q", filePath)
	}
	return core.Validate(filePath, prog), nil
}

// Options is the Go form of spec §6.3's `processMlld` options object.
// `FileSystem`/`PathService` map onto `Config.ReadFile`/`Config.Path`
// (bound once per Interpreter rather than per call — see Config's
// doc comment), so only the per-invocation options remain here.
type Options struct {
	FilePath            string
	Format              string // "markdown" | "xml" | "json" | "text" — "" defaults to "markdown"
	NormalizeBlankLines bool
	ApproveAllImports   bool
	CaptureEnvironment  func(value.ModuleSnapshot)
}

// StructuredResult is returned instead of a bare string when the caller
// wants more than the rendered text (spec §6.3 `Promise<string |
// StructuredResult>`).
type StructuredResult struct {
	Output  string
	Effects []effect.Effect
	Env     value.ModuleSnapshot
}

// Run is the non-streaming `processMlld` entry point: parse, evaluate,
// and render the program's emitted output in one call.
func (itp *Interpreter) Run(ctx context.Context, source string, opts Options) (*StructuredResult, error) {
	if itp.eval.Parse == nil {
		return nil, errs.New(errs.KindInternal, "no parser configured")
	}
	prog, err := itp.eval.Parse(source)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidationFailed, err, "parsing %q", opts.FilePath)
	}

	root := env.NewRoot(itp.reservedProviders())
	if err := itp.eval.EvalProgram(ctx, root, prog); err != nil {
		return nil, err
	}

	if itp.lockPath != "" && itp.lock != nil {
		if err := lockfile.Save(itp.lockPath, itp.lock); err != nil {
			itp.logger.Warn("failed to persist lock file", zap.Error(err), zap.String("path", itp.lockPath))
		}
	}

	snap := root.Snapshot()
	if opts.CaptureEnvironment != nil {
		opts.CaptureEnvironment(snap)
	}

	out := renderEffects(itp.bus.Log(), opts.Format, opts.NormalizeBlankLines)
	return &StructuredResult{Output: out, Effects: itp.bus.Log(), Env: snap}, nil
}

// renderEffects concatenates every KindShow/KindStream effect's text in
// emission order, which is mlld's definition of "the program's output"
// for markdown sources (spec §6.1 "directives start at line beginning
// with /" — everything else is literal Markdown text already folded into
// `/show` effects by the evaluator).
func renderEffects(log []effect.Effect, format string, normalizeBlankLines bool) string {
	var b strings.Builder
	for _, e := range log {
		if e.Kind != effect.KindShow && e.Kind != effect.KindStream {
			continue
		}
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	out := b.String()
	if normalizeBlankLines {
		for strings.Contains(out, "\n\n\n") {
			out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
		}
	}
	_ = format // markdown is the only renderer for the concatenated-effects form; xml/json/text apply to /output targets, not the top-level result (spec is silent on coercing the whole document, so this is a documented simplification)
	return out
}

// Event is one item of the streaming variant's event channel (spec §6.3).
// Stream emits command:start, effect, state:write, command:end and done;
// pipeline stages emit no event of their own.
type Event struct {
	Kind   string // "command:start" | "command:end" | "state:write" | "effect" | "done"
	Effect *effect.Effect
	Err    error
}

// channelSink adapts a Go channel to effect.Sink, translating every
// emitted Effect into a streaming Event (spec §6.3's streaming variant),
// grounded on the teacher's ExecutionSink single-consumer pattern
// (core/sdk/execution.go) retargeted from execution telemetry to mlld
// program output.
type channelSink struct {
	events chan<- Event
}

func (s channelSink) Emit(e effect.Effect) {
	kind := "effect"
	if e.Kind == effect.KindStateWrite {
		kind = "state:write"
	}
	ev := e
	s.events <- Event{Kind: kind, Effect: &ev}
}

// Stream runs source and returns a channel of Events as they occur,
// closing the channel after a final "done" Event carries the terminal
// error (nil on success). The caller must drain the channel to avoid
// leaking the evaluation goroutine.
func (itp *Interpreter) Stream(ctx context.Context, source string, opts Options) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		events <- Event{Kind: "command:start"}

		sink := channelSink{events: events}
		itp.bus.Subscribe(sink)

		prog, err := itp.eval.Parse(source)
		if err == nil {
			err = itp.eval.EvalProgram(ctx, env.NewRoot(itp.reservedProviders()), prog)
		}

		events <- Event{Kind: "command:end", Err: err}
		events <- Event{Kind: "done", Err: err}
	}()
	return events
}

// ExitCode maps a Run/Stream terminal error to the process exit code
// spec §6.3 specifies (0 success; 1 fatal error; 2 policy denial; 3
// import failure) — delegating to errs.ExitCode, which already implements
// this mapping, rather than re-deriving it here.
func ExitCode(err error) int {
	return errs.ExitCode(err)
}

// WatchLockfile starts an fsnotify watch on the lock file's containing
// directory so an externally-edited `mlld.lock.json` (spec §6.2) or a
// hand-edited `/env` source invalidates the resolver chain's TTL cache
// immediately instead of waiting out the TTL (ambient file-watching
// concern, grounded on the teacher's runtime/go.mod fsnotify dependency;
// any write, create or remove event in the directory invalidates the
// cache, whatever the file's name).
func (itp *Interpreter) WatchLockfile(dir string) error {
	if itp.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "starting lock-file watcher")
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return errs.Wrap(errs.KindIOError, err, "watching %s", dir)
	}
	itp.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) != 0 {
					itp.resolver.InvalidateCache()
				}
			case watchErr, ok := <-w.Errors:
				if !ok {
					return
				}
				itp.logger.Warn("lockfile watcher error", zap.Error(watchErr))
			}
		}
	}()
	return nil
}

// Close releases the interpreter's background resources (the fsnotify
// watcher, the zap logger's buffered writer).
func (itp *Interpreter) Close() error {
	if itp.watcher != nil {
		_ = itp.watcher.Close()
	}
	return itp.logger.Sync()
}
