// Package resolver implements the ordered resolver chain of spec §4.5:
// local file, project-relative, http(s), registry, dynamic (in-memory),
// keychain (secrets), MCP, and any embedded builtin modules, plus the
// shared import machinery (cycle detection, caching, lock-file
// integrity) that sits in front of all of them.
//
// Grounded on the teacher's core/decorator/registry.go
// (database/sql-style driver registration keyed by scheme/prefix) and
// runtime/validation/recursion.go (import-depth and repeat-visit
// tracking), retargeted from decorator-transport resolution to mlld's
// import-source resolution.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/lockfile"
	"github.com/mlld-lang/mlld/core/secret"
	"github.com/mlld-lang/mlld/core/value"
)

// MaxImportDepth and MaxSameFile bound the import graph (spec §4.5 step 2:
// "MAX_DEPTH=20, MAX_SAME_FILE=3").
const (
	MaxImportDepth = 20
	MaxSameFile    = 3
)

// Dynamic module injection limits (spec §4.5 "dynamic module serialization"):
// caps on nesting depth, per-container key count, total node count, and
// the size of each string value, so an injected host object can't blow up
// the interpreter.
const (
	MaxDynamicDepth = 10
	MaxDynamicKeys  = 1000
	MaxDynamicNodes = 100000
	MaxDynamicBytes = 10 << 20 // 10 MiB
)

// Resolved is the result of resolving one import reference.
type Resolved struct {
	Content     string
	ContentType string // e.g. "text/markdown", "text/html", "application/json"
	SourceURL   string // canonical URL/path, used for lock-file pinning
	FromCache   bool
	Labels      []string // taint labels the caller should apply to the resulting value (e.g. "secret" for keychain:)
}

// Resolver resolves one class of import reference. Prefix/scheme
// matching (not full parsing) decides which Resolver in a Chain claims a
// given ref, mirroring the teacher's registry dispatch.
type Resolver interface {
	Name() string
	Accepts(ref string) bool
	Resolve(ctx context.Context, ref string) (*Resolved, error)
}

// Pinnable is implemented by resolvers whose fetched content is
// network-sourced and therefore subject to lock-file content-hash
// pinning and verification (spec §4.5 step 9: the lock pins "each
// registry/URL import"). Gating on this capability rather than a
// resolver's literal Name() keeps every network-backed resolver —
// present or future — covered without Chain.Resolve needing to know
// each one by name.
type Pinnable interface {
	Pinned() bool
}

// Evaluator lets a resolver (specifically the dynamic resolver) ask the
// interpreter to evaluate a nested mlld module body without the resolver
// package importing the evaluator package back — breaking what would
// otherwise be an import cycle between resolver and the core evaluator.
type Evaluator interface {
	EvaluateModule(ctx context.Context, source, path string) (map[string]value.Value, error)
}

// cacheEntry is one TTL-bounded cached resolution.
type cacheEntry struct {
	resolved *Resolved
	expires  time.Time
}

// Chain is the ordered resolver chain plus the shared cache, lock-file,
// and cycle-detection state every import goes through (spec §4.5).
type Chain struct {
	resolvers []Resolver
	lock      *lockfile.File
	lockPath  string

	mu    sync.Mutex
	cache map[string]cacheEntry

	depth      map[string]int // import stack depth, keyed by the root call chain id
	visitCount map[string]int // same-file repeat-visit count across one resolution
}

// NewChain builds an empty chain; resolvers are added in priority order
// via Register (first match wins, like the teacher's ordered driver
// list).
func NewChain(lock *lockfile.File, lockPath string) *Chain {
	return &Chain{
		lock:       lock,
		lockPath:   lockPath,
		cache:      map[string]cacheEntry{},
		visitCount: map[string]int{},
	}
}

// Register appends r to the end of the chain.
func (c *Chain) Register(r Resolver) {
	c.resolvers = append(c.resolvers, r)
}

// Resolve walks the chain, checking the cache and the visit/depth limits
// first (spec §4.5 step 2), then the matching resolver, then verifies
// and records lock-file integrity (spec §4.5 step "lock-file
// verification").
func (c *Chain) Resolve(ctx context.Context, ref string, importStack []string, ttl time.Duration) (*Resolved, error) {
	if len(importStack) >= MaxImportDepth {
		return nil, errs.New(errs.KindCircularImport, "import depth exceeds %d: %s", MaxImportDepth, strings.Join(importStack, " -> "))
	}
	for _, visited := range importStack {
		if visited == ref {
			return nil, errs.New(errs.KindCircularImport, "circular import of %q: %s", ref, strings.Join(append(importStack, ref), " -> "))
		}
	}

	c.mu.Lock()
	c.visitCount[ref]++
	count := c.visitCount[ref]
	c.mu.Unlock()
	if count > MaxSameFile {
		return nil, errs.New(errs.KindCircularImport, "%q imported more than %d times", ref, MaxSameFile)
	}

	if ttl > 0 {
		c.mu.Lock()
		entry, ok := c.cache[ref]
		c.mu.Unlock()
		if ok && time.Now().Before(entry.expires) {
			cached := *entry.resolved
			cached.FromCache = true
			return &cached, nil
		}
	}

	r := c.match(ref)
	if r == nil {
		return nil, c.suggestError(ref)
	}

	resolved, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	if resolved.ContentType == "text/html" {
		resolved.Content = htmlToMarkdown(resolved.Content)
		resolved.ContentType = "text/markdown"
	}

	if p, ok := r.(Pinnable); c.lock != nil && ok && p.Pinned() {
		if err := c.lock.Verify(ref, []byte(resolved.Content), false); err != nil {
			return nil, err
		}
		c.lock.Pin(ref, resolved.SourceURL, []byte(resolved.Content), "")
	}

	if ttl > 0 {
		c.mu.Lock()
		c.cache[ref] = cacheEntry{resolved: resolved, expires: time.Now().Add(ttl)}
		c.mu.Unlock()
	}

	return resolved, nil
}

// InvalidateCache drops every cached resolution, used by the interpreter's
// fsnotify watch on `mlld.lock.json`/`/env` sources so an external edit is
// picked up on the next import rather than serving stale cached content.
func (c *Chain) InvalidateCache() {
	c.mu.Lock()
	c.cache = map[string]cacheEntry{}
	c.mu.Unlock()
}

func (c *Chain) match(ref string) Resolver {
	for _, r := range c.resolvers {
		if r.Accepts(ref) {
			return r
		}
	}
	return nil
}

// suggestError produces a KindResolverUnavailable error, appending a
// "did you mean" suggestion computed against the registered resolver
// names when the ref is a close misspelling of a known scheme/prefix
// (spec §7 "actionable resolver errors").
func (c *Chain) suggestError(ref string) error {
	names := make([]string, len(c.resolvers))
	for i, r := range c.resolvers {
		names[i] = r.Name()
	}
	scheme := ref
	if i := strings.Index(ref, ":"); i > 0 {
		scheme = ref[:i]
	}
	matches := fuzzy.FindFold(scheme, names)
	e := errs.New(errs.KindResolverUnavailable, "no resolver accepts %q", ref)
	if len(matches) > 0 {
		e = e.WithContext("suggestion", matches[0])
	}
	return e
}

// LocalResolver resolves bare and relative filesystem paths
// (spec §4.5 "local" and "project" resolver kinds).
type LocalResolver struct {
	ReadFile func(path string) ([]byte, error)
	BasePath string
}

func (l *LocalResolver) Name() string { return "local" }

func (l *LocalResolver) Accepts(ref string) bool {
	return !strings.Contains(ref, "://") && !strings.HasPrefix(ref, "@")
}

func (l *LocalResolver) Resolve(_ context.Context, ref string) (*Resolved, error) {
	data, err := l.ReadFile(ref)
	if err != nil {
		return nil, errs.Wrap(errs.KindFileNotFound, err, "reading import %q", ref)
	}
	return &Resolved{Content: string(data), ContentType: "text/markdown", SourceURL: ref}, nil
}

// ProjectResolver resolves `@base/...` and `@./...` references against the
// project root / invoking file's directory (spec §4.5 "project" resolver
// kind), distinct from RegistryResolver's `@author/module` form by always
// being rooted at a known local directory rather than a network fetch.
type ProjectResolver struct {
	ReadFile func(path string) ([]byte, error)
	BaseDir  string
}

func (p *ProjectResolver) Name() string { return "project" }

func (p *ProjectResolver) Accepts(ref string) bool {
	return strings.HasPrefix(ref, "@base/") || strings.HasPrefix(ref, "@./")
}

func (p *ProjectResolver) Resolve(_ context.Context, ref string) (*Resolved, error) {
	rel := strings.TrimPrefix(strings.TrimPrefix(ref, "@base/"), "@./")
	full := p.BaseDir + "/" + rel
	data, err := p.ReadFile(full)
	if err != nil {
		return nil, errs.Wrap(errs.KindFileNotFound, err, "reading project import %q", ref)
	}
	return &Resolved{Content: string(data), ContentType: "text/markdown", SourceURL: full}, nil
}

// MCPResolver resolves `mcp "<command>"` tool imports (spec §4.5 "mcp"
// resolver kind) by launching the named command and capturing its tool
// manifest (the command is expected to emit a JSON tool listing on stdout,
// per the MCP stdio transport convention), mirroring the teacher's own
// session/transport abstraction for launching an external process rather
// than hand-rolling a new one.
type MCPResolver struct {
	// Launch runs command and returns its captured stdout. The SDK host
	// supplies this (typically os/exec.CommandContext(...).Output()); a nil
	// Launch makes the resolver reject every ref (no shell escape hatch by
	// default).
	Launch func(ctx context.Context, command string) ([]byte, error)
}

func (m *MCPResolver) Name() string { return "mcp" }

func (m *MCPResolver) Accepts(ref string) bool {
	return strings.HasPrefix(ref, "mcp ")
}

func (m *MCPResolver) Resolve(ctx context.Context, ref string) (*Resolved, error) {
	if m.Launch == nil {
		return nil, errs.New(errs.KindResolverUnavailable, "mcp resolver not configured for %q", ref)
	}
	command := strings.TrimSpace(strings.TrimPrefix(ref, "mcp "))
	command = strings.Trim(command, `"`)
	out, err := m.Launch(ctx, command)
	if err != nil {
		return nil, errs.Wrap(errs.KindResolverUnavailable, err, "launching mcp tool %q", command)
	}
	return &Resolved{Content: string(out), ContentType: "application/json", SourceURL: "mcp:" + command}, nil
}

// BuiltinResolver resolves bare references to the interpreter's reserved
// system namespaces (spec §4.5 "builtin" resolver kind: `now`, `base`,
// etc.) as an importable module, so `/import { now } from builtin` sees the
// same values `@now` exposes as a reserved slot, via the Snapshot callback
// supplied by the interpreter's env package.
type BuiltinResolver struct {
	// Snapshot returns the serialized (JSON) value of a builtin namespace
	// by name, or ok=false if name isn't one of the reserved builtins.
	Snapshot func(name string) (json string, ok bool)
}

func (b *BuiltinResolver) Name() string { return "builtin" }

func (b *BuiltinResolver) Accepts(ref string) bool {
	if b.Snapshot == nil {
		return false
	}
	_, ok := b.Snapshot(ref)
	return ok
}

func (b *BuiltinResolver) Resolve(_ context.Context, ref string) (*Resolved, error) {
	data, ok := b.Snapshot(ref)
	if !ok {
		return nil, errs.New(errs.KindFileNotFound, "no builtin namespace %q", ref)
	}
	return &Resolved{Content: data, ContentType: "application/json", SourceURL: "builtin:" + ref}, nil
}

// HTTPResolver resolves `http://`/`https://` import sources
// (spec §4.5 "http" resolver kind), using resty for retry/timeout
// handling.
type HTTPResolver struct {
	client *resty.Client
}

func NewHTTPResolver(timeout time.Duration) *HTTPResolver {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &HTTPResolver{client: client}
}

func (h *HTTPResolver) Name() string { return "http" }

// Pinned marks http(s) imports as lock-file pinned/verified (spec §4.5).
func (h *HTTPResolver) Pinned() bool { return true }

func (h *HTTPResolver) Accepts(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func (h *HTTPResolver) Resolve(ctx context.Context, ref string) (*Resolved, error) {
	resp, err := h.client.R().SetContext(ctx).Get(ref)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "fetching import %q", ref)
	}
	if resp.IsError() {
		return nil, errs.New(errs.KindIOError, "fetching %q: HTTP %d", ref, resp.StatusCode())
	}
	contentType := "text/markdown"
	if ct := resp.Header().Get("Content-Type"); strings.Contains(ct, "html") {
		contentType = "text/html"
	} else if strings.Contains(ct, "json") {
		contentType = "application/json"
	}
	return &Resolved{Content: string(resp.Body()), ContentType: contentType, SourceURL: ref}, nil
}

// RegistryResolver resolves `@scope/module` references against the
// module registry (spec §4.5 "registry" resolver kind).
type RegistryResolver struct {
	RegistryURL string
	client      *resty.Client
}

func NewRegistryResolver(registryURL string) *RegistryResolver {
	return &RegistryResolver{RegistryURL: registryURL, client: resty.New().SetTimeout(10 * time.Second)}
}

func (r *RegistryResolver) Name() string { return "registry" }

// Pinned marks registry module fetches as lock-file pinned/verified,
// the most integrity-sensitive import kind since `@scope/module` refs
// name no fixed URL of their own (spec §4.5 step 9).
func (r *RegistryResolver) Pinned() bool { return true }

func (r *RegistryResolver) Accepts(ref string) bool {
	return strings.HasPrefix(ref, "@") && strings.Contains(ref, "/")
}

func (r *RegistryResolver) Resolve(ctx context.Context, ref string) (*Resolved, error) {
	resolveURL := fmt.Sprintf("%s/%s", strings.TrimSuffix(r.RegistryURL, "/"), strings.TrimPrefix(ref, "@"))
	resp, err := r.client.R().SetContext(ctx).Get(resolveURL)
	if err != nil {
		return nil, errs.Wrap(errs.KindResolverUnavailable, err, "resolving registry module %q", ref)
	}
	if resp.IsError() {
		return nil, errs.New(errs.KindResolverUnavailable, "registry module %q: HTTP %d", ref, resp.StatusCode())
	}
	return &Resolved{Content: string(resp.Body()), ContentType: "text/markdown", SourceURL: resolveURL}, nil
}

// KeychainResolver resolves `keychain:scope/name` references to secret
// values (spec §3.4 "keychain | keychain:scope/name secrets"), tagging
// every result with the "secret" label so guard policy can block it from
// `/show`/`/output` without the caller having to special-case the source.
type KeychainResolver struct {
	// Lookup retrieves the secret for (scope, name); the SDK host supplies
	// this (OS keychain, secret manager, ...). Defaults to an environment
	// variable convention (KEYCHAIN_<SCOPE>_<NAME>, upper-cased) when nil.
	Lookup func(scope, name string) (string, bool)
}

func (k *KeychainResolver) Name() string { return "keychain" }

func (k *KeychainResolver) Accepts(ref string) bool {
	return strings.HasPrefix(ref, "keychain:")
}

func (k *KeychainResolver) Resolve(_ context.Context, ref string) (*Resolved, error) {
	path := strings.TrimPrefix(ref, "keychain:")
	scope, name, ok := strings.Cut(path, "/")
	if !ok {
		return nil, errs.New(errs.KindInvalidArgument, "keychain reference %q must be scope/name", ref)
	}
	lookup := k.Lookup
	if lookup == nil {
		lookup = envLookup
	}
	val, found := lookup(scope, name)
	if !found {
		return nil, errs.New(errs.KindFileNotFound, "no keychain secret for %q", ref)
	}
	h := secret.NewHandle(scope, name, val)
	return &Resolved{Content: val, ContentType: "text/plain", SourceURL: h.DisplayID(), Labels: []string{"secret"}}, nil
}

func envLookup(scope, name string) (string, bool) {
	key := "KEYCHAIN_" + strings.ToUpper(strings.ReplaceAll(scope, "-", "_")) + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return os.LookupEnv(key)
}

// DynamicResolver resolves in-memory module sources injected by the SDK
// caller (spec §6.3 `dynamicModules` option), giving nested `/import`s
// inside them access to the host evaluator via the injected Evaluator.
type DynamicResolver struct {
	Modules map[string]string // name -> source
	Eval    Evaluator
}

func (d *DynamicResolver) Name() string { return "dynamic" }

func (d *DynamicResolver) Accepts(ref string) bool {
	_, ok := d.Modules[ref]
	return ok
}

func (d *DynamicResolver) Resolve(_ context.Context, ref string) (*Resolved, error) {
	src, ok := d.Modules[ref]
	if !ok {
		return nil, errs.New(errs.KindFileNotFound, "no dynamic module registered for %q", ref)
	}
	return &Resolved{Content: src, ContentType: "text/markdown", SourceURL: "dynamic:" + ref}, nil
}

// ObjectToValue converts a host-injected object graph into a mlld value
// while enforcing the dynamic-module injection limits of spec §4.5,
// failing closed with KindInvalidArgument when a limit is exceeded
// rather than silently truncating.
func ObjectToValue(v any) (value.Value, error) {
	nodes := 0
	ctx := value.NewCtx(value.Source{Kind: "dynamic"})
	return objectToValue(v, ctx, 0, &nodes)
}

func objectToValue(v any, ctx value.Ctx, depth int, nodes *int) (value.Value, error) {
	*nodes++
	if *nodes > MaxDynamicNodes {
		return nil, errs.New(errs.KindInvalidArgument, "dynamic module object exceeds %d nodes", MaxDynamicNodes)
	}
	if depth > MaxDynamicDepth {
		return nil, errs.New(errs.KindInvalidArgument, "dynamic module object exceeds depth %d", MaxDynamicDepth)
	}
	switch t := v.(type) {
	case nil:
		return value.Null{C: ctx}, nil
	case string:
		if len(t) > MaxDynamicBytes {
			return nil, errs.New(errs.KindInvalidArgument, "dynamic module string exceeds %d bytes", MaxDynamicBytes)
		}
		return value.String{Val: t, C: ctx}, nil
	case float64:
		return value.Number{Val: t, C: ctx}, nil
	case int:
		return value.Number{Val: float64(t), C: ctx}, nil
	case bool:
		return value.Boolean{Val: t, C: ctx}, nil
	case []any:
		arr := &value.Array{C: ctx}
		for _, item := range t {
			child, err := objectToValue(item, ctx, depth+1, nodes)
			if err != nil {
				return nil, err
			}
			arr.Items = append(arr.Items, child)
		}
		return arr, nil
	case map[string]any:
		if len(t) > MaxDynamicKeys {
			return nil, errs.New(errs.KindInvalidArgument, "dynamic module object exceeds %d keys", MaxDynamicKeys)
		}
		obj := value.NewObject(ctx)
		for k, val := range t {
			child, err := objectToValue(val, ctx, depth+1, nodes)
			if err != nil {
				return nil, err
			}
			obj.Set(k, child)
		}
		return obj, nil
	default:
		return value.String{Val: fmt.Sprintf("%v", t), C: ctx}, nil
	}
}

// htmlToMarkdown does a minimal tag-stripping conversion of fetched HTML
// import content to Markdown-ish plain text (spec §4.5 "HTML imports are
// converted to Markdown"). A full HTML->MD pipeline is out of scope; this
// drops every tag and keeps the text between tags, so link text survives
// but link targets do not, and block tags such as <p> add no line breaks.
func htmlToMarkdown(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	text := b.String()
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}

// IsURL reports whether ref looks like an absolute URL, used by callers
// deciding whether a path is eligible for lock-file pinning.
func IsURL(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && u.Scheme != "" && u.Host != ""
}
