// Package env implements the scoped binding environment of spec §3.2/§4.1.
// Each scope keeps its bindings in a map keyed by name, plus an
// insertion-order list of names, and links to its parent by pointer; there
// is no slot arena and no (index, generation) handle.
//
// Adapted from the teacher's runtime/vault Vault scope trie
// (pathStack-as-trie, lookup walks current → parent → root), dropping its
// HMAC site-authorization layer (an in-process interpreter has no
// cross-process security boundary to enforce) in favor of plain per-scope
// maps.
package env

import (
	"sync"

	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/value"
)

// Kind distinguishes the environment's role (spec §3.2).
type Kind int

const (
	KindRoot Kind = iota
	KindChild
	KindCapturedModule
	KindPipelineScope
	KindEnvScope
)

// reserved is the set of slot names that cannot be rebound (spec §3.2).
var reserved = map[string]bool{
	"now": true, "base": true, "root": true, "debug": true,
	"input": true, "mx": true, "fm": true, "ctx": true, "pipeline": true,
}

// ReservedProvider computes the live value of a reserved slot on read,
// since several (`now`, `debug`) are defined as "value at read time"
// rather than a fixed binding (spec §3.2).
type ReservedProvider func(e *Environment) (value.Value, bool)

// binding is one named entry in a scope's binding map.
type binding struct {
	name  string
	val   value.Value
	owner int // not set anywhere in this package; always zero
}

// Environment is one scope. Its binding map is owned by the Environment
// itself rather than shared, since spec §5 requires that "Environment
// chains are append-only per scope; never mutated across tasks" — each
// Environment is single-owner and its bindings are reached only through
// its methods.
type Environment struct {
	mu       sync.RWMutex
	kind     Kind
	parent   *Environment
	bindings map[string]*binding
	order    []string // insertion order, for capture() determinism

	exportManifest map[string]bool // nil => "export all non-underscore" legacy behavior
	exportAll      bool

	importStack []string // file paths, for cycle detection (spec §4.5)

	reservedOverrides map[string]ReservedProvider

	fallback value.ModuleSnapshot // consulted after the parent chain is exhausted
}

// NewRoot constructs the root environment installed by the interpreter
// entry point, with the given reserved-slot providers (now/base/root/...).
func NewRoot(reservedProviders map[string]ReservedProvider) *Environment {
	return &Environment{
		kind:              KindRoot,
		bindings:          map[string]*binding{},
		reservedOverrides: reservedProviders,
		exportAll:         true,
	}
}

// Child returns a new environment whose parent is e (spec §4.1 `child()`);
// used by when/for/block actions.
func (e *Environment) Child() *Environment {
	return &Environment{
		kind:     KindChild,
		parent:   e,
		bindings: map[string]*binding{},
	}
}

// PipelineScope returns a child environment augmented with the reserved
// pipeline context slots (@ctx, @pipeline, @input, @try — spec §3.2).
func (e *Environment) PipelineScope(providers map[string]ReservedProvider) *Environment {
	c := e.Child()
	c.kind = KindPipelineScope
	c.reservedOverrides = providers
	return c
}

// EnvScope returns a child environment for an `/env` block, which adds
// MCP tool bindings scoped to the block (spec §4.2 `/env` directive).
func (e *Environment) EnvScope() *Environment {
	c := e.Child()
	c.kind = KindEnvScope
	return c
}

// FromSnapshot builds a fresh root-shaped Environment whose lookups fall
// back to a captured ModuleSnapshot once the local scope (and any
// children layered on top, e.g. parameter bindings) is exhausted — this
// is how an Executable's template/command body resolves names against
// its defining module rather than the caller's environment
// (spec §4.4 "captured module environment").
func FromSnapshot(snap value.ModuleSnapshot) *Environment {
	return &Environment{
		kind:     KindCapturedModule,
		bindings: map[string]*binding{},
		fallback: snap,
	}
}

// Get looks up name: reserved slots first, then local, then parent chain
// (spec §4.1 `get`).
func (e *Environment) Get(name string) (value.Value, bool) {
	if p, ok := e.reservedOverrides[name]; ok {
		return p(e)
	}
	e.mu.RLock()
	b, ok := e.bindings[name]
	e.mu.RUnlock()
	if ok {
		return b.val, true
	}
	if e.parent != nil {
		return e.parent.Get(name)
	}
	if e.fallback != nil {
		return e.fallback.Lookup(name)
	}
	return nil, false
}

// Lookup is an alias satisfying value.ModuleSnapshot, so a captured
// Environment can be stored directly as an Executable.Captured without an
// import cycle between env and value.
func (e *Environment) Lookup(name string) (value.Value, bool) { return e.Get(name) }

// boundLocally reports whether name is bound in this scope specifically
// (not an ancestor) — used to decide ImmutableRebinding vs. a legal shadow
// in a non-user-visible scope (spec §3.2 invariants).
func (e *Environment) boundLocally(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.bindings[name]
	return ok
}

// Set binds name=val in this scope (spec §4.1 `set`).
func (e *Environment) Set(name string, val value.Value) error {
	if reserved[name] {
		if _, overridden := e.reservedOverrides[name]; !overridden {
			return errs.New(errs.KindReservedName, "%q is a reserved name and cannot be bound", name)
		}
	}
	if e.boundLocally(name) {
		return errs.New(errs.KindImmutableRebinding, "%q is already bound in this scope", name)
	}
	e.mu.Lock()
	e.bindings[name] = &binding{name: name, val: val}
	e.order = append(e.order, name)
	e.mu.Unlock()
	return nil
}

// SetLet binds an ephemeral `let` name, permitted to shadow an outer
// user-visible binding because the block it lives in is not itself
// user-visible (spec §3.2 invariant: "nested rebinding of a user variable
// is a static error … unless the outer is not a user-visible scope").
// The binding disappears when the owning Environment (block scope) is
// discarded — there is no explicit teardown call, matching spec §4.1
// "Child environments are destroyed implicitly when their owning block
// evaluator returns".
func (e *Environment) SetLet(name string, val value.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.bindings[name]; ok {
		return errs.New(errs.KindImmutableRebinding, "%q is already bound in this scope", name)
	}
	e.bindings[name] = &binding{name: name, val: val}
	e.order = append(e.order, name)
	return nil
}

// capturedEnv implements value.ModuleSnapshot over a frozen binding map.
type capturedEnv struct {
	names  map[string]value.Value
	parent *capturedEnv
}

func (c *capturedEnv) Lookup(name string) (value.Value, bool) {
	if v, ok := c.names[name]; ok {
		return v, true
	}
	if c.parent != nil {
		return c.parent.Lookup(name)
	}
	return nil, false
}

// Snapshot captures e (and its full ancestor chain, since an executable
// resolves names against its whole defining lexical scope, not just the
// innermost one) into an immutable value.ModuleSnapshot.
func (e *Environment) Snapshot() value.ModuleSnapshot {
	e.mu.RLock()
	names := make(map[string]value.Value, len(e.bindings))
	for k, b := range e.bindings {
		names[k] = b.val
	}
	e.mu.RUnlock()
	var parent *capturedEnv
	if e.parent != nil {
		if p, ok := e.parent.Snapshot().(*capturedEnv); ok {
			parent = p
		}
	}
	return &capturedEnv{names: names, parent: parent}
}

// Merge copies child's new bindings into e (spec §4.1 `merge`), used for
// imports and block results. Any name already bound in e is an
// ImportCollision error; reserved system names get no merge of their own
// and go through Set, which rejects them with ReservedName unless e
// overrides them.
func (e *Environment) Merge(child *Environment, names []string) error {
	child.mu.RLock()
	defer child.mu.RUnlock()
	for _, name := range names {
		b, ok := child.bindings[name]
		if !ok {
			return errs.New(errs.KindUndefinedVariable, "export name %q not bound in imported module", name)
		}
		if e.boundLocally(name) {
			return errs.New(errs.KindImportCollision, "import of %q collides with an existing binding", name)
		}
		if err := e.Set(name, b.val); err != nil {
			return err
		}
	}
	return nil
}

// MergeNamespace binds all of child's exported names under a `ns.name`
// compound key (the `import SRC as @ns` form, spec §4.5).
func (e *Environment) MergeNamespace(ns string, child *Environment, names []string) error {
	obj := value.NewObject(value.NewCtx(value.Source{Kind: "dynamic"}))
	child.mu.RLock()
	for _, name := range names {
		if b, ok := child.bindings[name]; ok {
			obj.Set(name, b.val)
		}
	}
	child.mu.RUnlock()
	return e.Set(ns, obj)
}

// ExportAll marks every non-underscore top-level binding as exported
// (legacy behavior when no explicit /export manifest is present, spec §3.2).
func (e *Environment) ExportAll() {
	e.exportAll = true
	e.exportManifest = nil
}

// Export records names as exported (spec §4.2 `/export`); idempotent.
func (e *Environment) Export(names ...string) {
	if e.exportManifest == nil {
		e.exportManifest = map[string]bool{}
	}
	e.exportAll = false
	for _, n := range names {
		e.exportManifest[n] = true
	}
}

// ExportedNames returns the names this environment exposes to an importer
// (spec §4.5 step 8).
func (e *Environment) ExportedNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.exportAll {
		out := make([]string, 0, len(e.order))
		for _, name := range e.order {
			if len(name) > 0 && name[0] != '_' {
				out = append(out, name)
			}
		}
		return out
	}
	out := make([]string, 0, len(e.exportManifest))
	for name := range e.exportManifest {
		if _, ok := e.bindings[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// PushImport records path on the import stack for cycle detection
// (spec §4.5 step 2); PopImport removes the most recent entry.
func (e *Environment) PushImport(path string) {
	root := e.Root()
	root.importStack = append(root.importStack, path)
}

func (e *Environment) PopImport() {
	root := e.Root()
	if n := len(root.importStack); n > 0 {
		root.importStack = root.importStack[:n-1]
	}
}

// ImportStack returns the current import chain, root-first.
func (e *Environment) ImportStack() []string {
	return append([]string(nil), e.Root().importStack...)
}

// Root walks to the root environment.
func (e *Environment) Root() *Environment {
	cur := e
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// Kind exposes the environment's role, e.g. for reserved-slot `debug`
// rendering ("includes pipeline context when inside one", spec §3.2).
func (e *Environment) Kind() Kind { return e.kind }
