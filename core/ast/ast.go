// Package ast defines the syntax-tree contract the interpreter core
// consumes. The surface grammar and parser that produce this tree are out
// of scope for the core (spec §1) — this package only fixes the node
// shapes a parser (or, in tests, a hand-built tree) must hand the core.
package ast

import "fmt"

// Position is a source location, mirroring the parser's token positions.
type Position struct {
	File   string
	Line   int
	Column int
	Offset int
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// Node is any syntax-tree node.
type Node interface {
	Pos() Position
}

// Program is the root of one parsed mlld file: an ordered list of
// directives, the unit the directive evaluator iterates (spec §2).
type Program struct {
	Directives []Directive
	Position   Position
}

func (p *Program) Pos() Position { return p.Position }

// Directive is any top-level `/…` statement (spec §4.2).
type Directive interface {
	Node
	directiveNode()
}

// DirectiveKind names which table entry in the directive evaluator
// handles a Directive (spec §4.2 table).
type DirectiveKind string

const (
	KindVar    DirectiveKind = "var"
	KindExe    DirectiveKind = "exe"
	KindPath   DirectiveKind = "path"
	KindShow   DirectiveKind = "show"
	KindRun    DirectiveKind = "run"
	KindOutput DirectiveKind = "output"
	KindWhen   DirectiveKind = "when"
	KindFor    DirectiveKind = "for"
	KindImport DirectiveKind = "import"
	KindExport DirectiveKind = "export"
	KindGuard  DirectiveKind = "guard"
	KindEnv    DirectiveKind = "env"
)

type baseDirective struct {
	Position Position
}

func (b baseDirective) Pos() Position  { return b.Position }
func (baseDirective) directiveNode()   {}

// VarDirective: `/var @name = EXPR`.
type VarDirective struct {
	baseDirective
	Name  string
	Value Expression
}

// ExeDirective: `/exe @name(params) = BODY`.
type ExeDirective struct {
	baseDirective
	Name   string
	Params []string
	Body   ExecBody
	Labels []string // from exec-label modifiers
}

// ExecBody is one of the body variants an Executable can hold (spec §4.4).
type ExecBody interface {
	execBodyNode()
}

// TemplateBody interpolates Parts in the captured module env + params.
type TemplateBody struct{ Template *Template }

// CommandBody shells out; Command may itself contain interpolation.
type CommandBody struct{ Command *Template }

// CodeLanguage is one of the shadow-execution languages (spec §4.4.3).
type CodeLanguage string

const (
	LangJS     CodeLanguage = "js"
	LangNode   CodeLanguage = "node"
	LangPython CodeLanguage = "python"
	LangShell  CodeLanguage = "sh"
)

// CodeBody runs Source in the shadow executor for Language.
type CodeBody struct {
	Language CodeLanguage
	Source   string
}

// SectionBody extracts a named heading section from a loaded file.
type SectionBody struct {
	File    *Template
	Section string
}

// ResolverPathBody delegates to the resolver layer (`@resolver/path`).
type ResolverPathBody struct{ Path string }

func (TemplateBody) execBodyNode()       {}
func (CommandBody) execBodyNode()        {}
func (CodeBody) execBodyNode()           {}
func (SectionBody) execBodyNode()        {}
func (ResolverPathBody) execBodyNode()   {}

// PathDirective: `/path @name = PATHEXPR`.
type PathDirective struct {
	baseDirective
	Name  string
	Value *Template
}

// ShowDirective: `/show EXPR`.
type ShowDirective struct {
	baseDirective
	Value Expression
}

// OutputFormat selects a pre-writer formatter (spec §4.8 WriteEffect).
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatMD   OutputFormat = "md"
	FormatXML  OutputFormat = "xml"
	FormatCSV  OutputFormat = "csv"
	FormatText OutputFormat = "text"
	FormatBin  OutputFormat = "binary"
)

// OutputTarget is either a file path or a named stream.
type OutputTarget struct {
	Path   *Template // nil when Stream is set
	Stream string    // "stdout" | "stderr" | "" (file)
}

// OutputDirective: `/output EXPR to TARGET`.
type OutputDirective struct {
	baseDirective
	Value  Expression
	Target OutputTarget
	Format OutputFormat
}

// RunDirective: `/run EXPR`.
type RunDirective struct {
	baseDirective
	Value Expression
}

// WhenModifier selects the block form's evaluation strategy (spec §4.2.1).
type WhenModifier string

const (
	WhenSimple WhenModifier = ""
	WhenFirst  WhenModifier = "first"
	WhenAll    WhenModifier = "all"
	WhenAny    WhenModifier = "any"
)

// WhenClause is one `COND => ACTION` arm; a nil Condition is the `*` default.
type WhenClause struct {
	Condition Expression // nil => default arm
	Action    Expression
}

// WhenDirective covers both the simple and block forms.
type WhenDirective struct {
	baseDirective
	Modifier WhenModifier
	Subject  Expression // non-nil for `when @choice first: [...]` forms
	Clauses  []WhenClause
	BindTo   string // non-empty when used as `/var @x = when ...`
}

// ForDirective: `/for [parallel(N)] @item[, @key] in COLL [BLOCK]`.
type ForDirective struct {
	baseDirective
	ItemVar  string
	KeyVar   string // "" if absent
	Parallel bool
	MaxConc  int // 0 when Parallel is false or unspecified
	Coll     Expression
	Block    []Directive
	BindTo   string // non-empty when used on the RHS of `/var`
}

// ImportMode selects caching/freshness behavior (spec §4.5).
type ImportMode string

const (
	ImportModule ImportMode = "module"
	ImportStatic ImportMode = "static"
	ImportLive   ImportMode = "live"
	ImportCached ImportMode = "cached"
	ImportLocal  ImportMode = "local"
)

// ImportDirective covers all forms in spec §4.5.
type ImportDirective struct {
	baseDirective
	Source     *Template
	Mode       ImportMode
	CachedTTL  string // parsed duration string when Mode == ImportCached
	Names      []string // selected-import form; empty otherwise
	Namespace  string   // `as @ns` form; "" otherwise (filename-derived if both empty)
}

// ExportDirective: `/export { @a, @b }`.
type ExportDirective struct {
	baseDirective
	Names []string
}

// GuardDirective: `/guard @name before/after LABEL = when […]`.
type GuardTiming string

const (
	GuardBefore GuardTiming = "before"
	GuardAfter  GuardTiming = "after"
)

type GuardDirective struct {
	baseDirective
	Name      string
	Timing    GuardTiming
	Operation string // label the guard applies to
	Clauses   []GuardClause
}

// GuardClause is one `COND => allow|deny "msg"` arm.
type GuardClause struct {
	Condition Expression // nil => default arm
	Deny      bool
	Message   *Template // present when Deny
}

// EnvDirective: `/env @config [BLOCK]`.
type EnvDirective struct {
	baseDirective
	ConfigExec string // name of the `@mcpConfig`-style exec to evaluate, may be ""
	Block      []Directive
}

var (
	_ Directive = (*VarDirective)(nil)
	_ Directive = (*ExeDirective)(nil)
	_ Directive = (*PathDirective)(nil)
	_ Directive = (*ShowDirective)(nil)
	_ Directive = (*RunDirective)(nil)
	_ Directive = (*OutputDirective)(nil)
	_ Directive = (*WhenDirective)(nil)
	_ Directive = (*ForDirective)(nil)
	_ Directive = (*ImportDirective)(nil)
	_ Directive = (*ExportDirective)(nil)
	_ Directive = (*GuardDirective)(nil)
	_ Directive = (*EnvDirective)(nil)
)
