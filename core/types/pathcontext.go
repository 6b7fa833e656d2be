package types

// PathContext carries the three directories a running program resolves
// relative paths against (spec §6.3 control flow: "the parser hands the
// core an AST and a PathContext (project root, file directory, invocation
// directory)").
//
// Grounded on the teacher's runtime/execution/context.Ctx.WorkDir, split
// into the three distinct roots mlld's path resolution needs (`@base`,
// relative `./` loads, and `PWD`-style invocation-relative lookups)
// instead of the teacher's single working directory.
type PathContext struct {
	ProjectRoot string // `@base/...` resolves here
	FileDir     string // directory of the file currently being evaluated
	InvokeDir   string // directory the SDK/CLI caller was invoked from
}
