// Package specification compiles the <condition> sub-tree of a rule into a
// predicate over an evaluation context.
//
// A condition is a tree of test elements. Each element is evaluated against
// a target value: the subject for top-level elements, the element being
// iterated inside each/any/count, or the value selected by the element's own
// test attribute. Expressions of the form "$path" resolve a field path
// against the target; anything else is a literal.
package specification

import (
	"regexp"

	"github.com/solatis/serverrules/internal/evalctx"
)

// Condition is a compiled predicate.
type Condition interface {
	Evaluate(ctx *evalctx.Context) bool
	Test(ctx *evalctx.Context) Result
}

// Result carries the outcome of a test and the failMessage of every
// element that failed along the way, innermost first.
type Result struct {
	Success bool
	Reasons []string
}

// node is one compiled test element. v is the value under test; scope is
// the value the enclosing element was tested against, which refValue
// expressions resolve against. Containers test their children with their
// own target as the new scope.
type node interface {
	test(v, scope any, ev *evaluation) bool
}

// evaluation holds per-call state.
type evaluation struct {
	ctx     *evalctx.Context
	reasons []string
}

// condition is the compiled <condition> element: an implicit AND of its
// children, true when empty.
type condition struct {
	root node
}

func (c *condition) Evaluate(ctx *evalctx.Context) bool {
	return c.Test(ctx).Success
}

func (c *condition) Test(ctx *evalctx.Context) Result {
	ev := &evaluation{ctx: ctx}
	subject := ctx.Subject()
	ok := c.root.test(subject, subject, ev)
	if ok {
		return Result{Success: true}
	}
	return Result{Success: false, Reasons: ev.reasons}
}

// annotated applies the attributes common to every element: test
// re-targets the value, failMessage is recorded when the element fails.
type annotated struct {
	inner       node
	target      *expression
	failMessage string
}

func (a *annotated) test(v, scope any, ev *evaluation) bool {
	if a.target != nil {
		v = a.target.eval(v)
	}
	ok := a.inner.test(v, scope, ev)
	if !ok && a.failMessage != "" {
		ev.reasons = append(ev.reasons, a.failMessage)
	}
	return ok
}

type constant bool

func (c constant) test(_, _ any, _ *evaluation) bool { return bool(c) }

type and []node

func (n and) test(v, _ any, ev *evaluation) bool {
	for _, child := range n {
		if !child.test(v, v, ev) {
			return false
		}
	}
	return true
}

type or []node

func (n or) test(v, _ any, ev *evaluation) bool {
	for _, child := range n {
		if child.test(v, v, ev) {
			return true
		}
	}
	return false
}

type not struct{ inner node }

func (n not) test(v, _ any, ev *evaluation) bool {
	return !n.inner.test(v, v, ev)
}

type equal struct {
	ref    *expression
	negate bool
}

func (n *equal) test(v, scope any, _ *evaluation) bool {
	return evalctx.Equal(v, n.ref.eval(scope)) != n.negate
}

type compare struct {
	ref       *expression
	greater   bool
	inclusive bool
}

func (n *compare) test(v, scope any, _ *evaluation) bool {
	cmp, ok := evalctx.Compare(v, n.ref.eval(scope))
	if !ok {
		return false
	}
	if cmp == 0 {
		return n.inclusive
	}
	return (cmp > 0) == n.greater
}

type isNull struct{ negate bool }

func (n isNull) test(v, _ any, _ *evaluation) bool {
	return (v == nil) != n.negate
}

// count matches collections whose number of matching elements lies in
// [min, max]. A nil element test counts every element.
type count struct {
	min, max int
	elem     node
}

func (n *count) test(v, _ any, ev *evaluation) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	matched := 0
	for _, item := range items {
		if n.elem == nil || n.elem.test(item, item, ev) {
			matched++
		}
	}
	return matched >= n.min && matched <= n.max
}

// each matches collections whose elements all match; an empty collection
// matches.
type each struct{ elem node }

func (n *each) test(v, _ any, ev *evaluation) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if !n.elem.test(item, item, ev) {
			return false
		}
	}
	return true
}

type anyOf struct{ elem node }

func (n *anyOf) test(v, _ any, ev *evaluation) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if n.elem.test(item, item, ev) {
			return true
		}
	}
	return false
}

type whenThen struct {
	when, then node
}

// choice evaluates the then-branch of the first matching when, or else.
type choice struct {
	branches  []whenThen
	otherwise node
}

func (n *choice) test(v, _ any, ev *evaluation) bool {
	for _, b := range n.branches {
		if b.when.test(v, v, ev) {
			return b.then.test(v, v, ev)
		}
	}
	return n.otherwise.test(v, v, ev)
}

// match tests the text form of the target against a pattern. Values
// without a text form never match.
type match struct {
	re          *regexp.Regexp
	nullMatches bool
}

func (n *match) test(v, _ any, _ *evaluation) bool {
	if v == nil {
		return n.nullMatches
	}
	s, err := evalctx.Coerce(v, evalctx.TypeText)
	if err != nil {
		return false
	}
	return n.re.MatchString(s.Value.(string))
}
