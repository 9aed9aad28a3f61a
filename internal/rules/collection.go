package rules

import (
	"sync/atomic"

	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/types"
)

// RuleFailure reports the action failures of one applied rule.
type RuleFailure struct {
	Rule    *Rule
	Reasons []string
}

// CollectionResult is the outcome of executing one TypeCollection.
type CollectionResult struct {
	Type         types.RuleType
	RulesApplied []*Rule // in load order
	Failures     []RuleFailure
}

// TypeCollection holds the rules of one rule type in load order.
type TypeCollection struct {
	ruleType types.RuleType
	rules    []*Rule
	last     atomic.Pointer[CollectionResult]
}

// NewTypeCollection returns a collection of rules, which must all be of
// ruleType.
func NewTypeCollection(ruleType types.RuleType, rules ...*Rule) *TypeCollection {
	c := &TypeCollection{ruleType: ruleType}
	c.rules = append(c.rules, rules...)
	return c
}

// Type returns the rule type of the collection.
func (c *TypeCollection) Type() types.RuleType {
	return c.ruleType
}

// Rules returns the rules in load order.
func (c *TypeCollection) Rules() []*Rule {
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Execute evaluates every rule's condition in order and runs the actions of
// each rule that matches. A match does not stop evaluation of later rules.
// With dryRun set, matching rules are reported but their actions are not run.
func (c *TypeCollection) Execute(ctx *evalctx.Context, dryRun bool) CollectionResult {
	res := CollectionResult{Type: c.ruleType}
	for _, r := range c.rules {
		if !r.Condition.Evaluate(ctx) {
			continue
		}
		res.RulesApplied = append(res.RulesApplied, r)
		if dryRun {
			continue
		}
		ctx.BeginRule(r.Name)
		if out := r.Actions.Execute(ctx); !out.Success {
			res.Failures = append(res.Failures, RuleFailure{Rule: r, Reasons: out.FailureReasons})
		}
	}
	ctx.BeginRule("")
	c.last.Store(&res)
	return res
}

// LastApplied returns the rules applied by the most recent Execute, or nil
// before the first one.
func (c *TypeCollection) LastApplied() []*Rule {
	res := c.last.Load()
	if res == nil {
		return nil
	}
	return res.RulesApplied
}
