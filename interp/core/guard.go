package core

import (
	"context"
	"fmt"

	"github.com/mlld-lang/mlld/core/ast"
	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/value"
	"github.com/mlld-lang/mlld/interp/env"
)

// guard is one registered `/guard @name before/after LABEL = when […]`
// (spec §4.7). Clauses are evaluated in order exactly like a `when`
// block's WhenFirst strategy: first truthy clause decides allow/deny.
type guard struct {
	Name      string
	Timing    ast.GuardTiming
	Operation string
	Clauses   []ast.GuardClause
}

// policyRule is the config-driven form of spec §4.7's
// `labels: { L: { deny: [OP] } }` policy table, consulted at every
// operation site alongside registered guards.
type policyRule struct {
	Label      string
	DeniedOps  map[string]bool
}

// GuardRegistry holds every registered guard plus the static policy
// table, and implements the built-in `untrusted-llms-get-influenced`
// rule (spec §4.7).
//
// Grounded on the teacher's core/decorator Capabilities/TransportScope
// scope-check (registry.go `desc.Capabilities.TransportScope.Allows`) —
// one shared boolean-check function consulted by every boundary
// decorator, generalized here from transport scopes to labeled
// operations.
type GuardRegistry struct {
	byOp   map[string][]*guard
	rules  []policyRule
}

func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{byOp: map[string][]*guard{}}
}

// Register installs a guard from a parsed GuardDirective.
func (g *GuardRegistry) Register(d *ast.GuardDirective) {
	gd := &guard{Name: d.Name, Timing: d.Timing, Operation: d.Operation, Clauses: d.Clauses}
	g.byOp[d.Operation] = append(g.byOp[d.Operation], gd)
}

// AddPolicyRule installs a static `labels: { L: { deny: [OP] } }` rule
// (spec §4.7), e.g. loaded from project config.
func (g *GuardRegistry) AddPolicyRule(label string, deniedOps []string) {
	denied := make(map[string]bool, len(deniedOps))
	for _, op := range deniedOps {
		denied[op] = true
	}
	g.rules = append(g.rules, policyRule{Label: label, DeniedOps: denied})
}

// CheckBefore runs every `before` guard registered for operation, and
// consults the static policy table against the operand's labels,
// aborting with PolicyDenial on the first deny (spec §4.7 "on deny, the
// operation is aborted with PolicyDenial").
func (ev *Evaluator) CheckBefore(ctx context.Context, e *env.Environment, operation string, operand value.Value) error {
	if ev.Guards == nil {
		return nil
	}
	if err := ev.checkPolicyRules(operation, operand); err != nil {
		return err
	}
	for _, gd := range ev.Guards.byOp[operation] {
		if gd.Timing != ast.GuardBefore {
			continue
		}
		if err := ev.evalGuardClauses(ctx, e, gd); err != nil {
			return err
		}
	}
	return nil
}

// CheckAfter runs every `after` guard registered for operation, with
// `@result` bound to the operation's completed value (spec §4.7 "after
// guards run post-completion with access to the result").
func (ev *Evaluator) CheckAfter(ctx context.Context, e *env.Environment, operation string, result value.Value) error {
	if ev.Guards == nil {
		return nil
	}
	for _, gd := range ev.Guards.byOp[operation] {
		if gd.Timing != ast.GuardAfter {
			continue
		}
		resultEnv := e.Child()
		_ = resultEnv.SetLet("result", result)
		if err := ev.evalGuardClauses(ctx, resultEnv, gd); err != nil {
			return err
		}
	}
	return nil
}

func (ev *Evaluator) evalGuardClauses(ctx context.Context, e *env.Environment, gd *guard) error {
	for _, c := range gd.Clauses {
		matched := c.Condition == nil
		if !matched {
			cond, err := ev.EvalExpr(ctx, e, c.Condition, true)
			if err != nil {
				return err
			}
			matched = value.Truthy(cond)
		}
		if !matched {
			continue
		}
		if !c.Deny {
			return nil
		}
		msg := fmt.Sprintf("denied by guard %q", gd.Name)
		if c.Message != nil {
			msgVal, err := ev.evalTemplate(ctx, e, c.Message, false)
			if err != nil {
				return err
			}
			msg = value.AsString(msgVal)
		}
		return errs.New(errs.KindPolicyDenial, "%s", msg).WithContext("label", gd.Operation)
	}
	return nil
}

func (ev *Evaluator) checkPolicyRules(operation string, operand value.Value) error {
	if operand == nil {
		return nil
	}
	c := operand.Ctx()
	for _, rule := range ev.Guards.rules {
		if !c.HasLabel(value.Label(rule.Label)) {
			continue
		}
		if rule.DeniedOps[operation] {
			return errs.New(errs.KindPolicyDenial, "label %q denies operation %q", rule.Label, operation).WithContext("label", rule.Label)
		}
	}
	return nil
}

// applyBuiltinPolicyLabels implements the built-in
// `untrusted-llms-get-influenced` rule: any value produced by invoking an
// `llm`-labeled Executable is additionally tagged `influenced` (spec
// §4.7). Called from withExecProvenance's label union step.
func applyBuiltinPolicyLabels(c value.Ctx, execLabels map[string]struct{}) value.Ctx {
	if _, ok := execLabels["llm"]; ok {
		c = c.WithLabel(value.LabelInfluenced)
	}
	return c
}
