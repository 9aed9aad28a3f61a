package specification

import (
	"bytes"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/types"
	"github.com/solatis/serverrules/internal/xmltree"
)

// builtin is one condition element: its schema declaration and the function
// that compiles it. Common attributes are handled by buildNode.
type builtin struct {
	decl    *schema.ElementDecl
	compile func(el *xmltree.Element) (node, error)
}

// Compiler turns <condition> elements into Conditions. A Compiler is safe
// for concurrent use.
type Compiler struct {
	builtins map[string]*builtin

	schemaOnce sync.Once
	schema     *schema.Schema
	schemaErr  error
}

// NewCompiler returns a compiler with the built-in condition vocabulary.
func NewCompiler() *Compiler {
	c := &Compiler{}
	c.builtins = map[string]*builtin{
		"true":         {decl: decl("true"), compile: c.compileConstant(true)},
		"false":        {decl: decl("false"), compile: c.compileConstant(false)},
		"equal":        {decl: decl("equal", required("refValue")), compile: c.compileEqual(false)},
		"not-equal":    {decl: decl("not-equal", required("refValue")), compile: c.compileEqual(true)},
		"greater-than": {decl: decl("greater-than", required("refValue"), optional("inclusive", schema.Boolean)), compile: c.compileCompare(true)},
		"less-than":    {decl: decl("less-than", required("refValue"), optional("inclusive", schema.Boolean)), compile: c.compileCompare(false)},
		"and":          {decl: container("and", 1), compile: c.compileAnd},
		"or":           {decl: container("or", 1), compile: c.compileOr},
		"not":          {decl: container("not", 1), compile: c.compileNot},
		"regex": {
			decl:    decl("regex", required("pattern"), optional("ignoreCase", schema.Boolean), optional("nullMatches", schema.Boolean)),
			compile: c.compileRegex,
		},
		"null":     {decl: decl("null"), compile: c.compileNull(false)},
		"not-null": {decl: decl("not-null"), compile: c.compileNull(true)},
		"count": {
			decl:    container("count", 0, optional("min", schema.Integer), optional("max", schema.Integer)),
			compile: c.compileCount,
		},
		"each": {decl: container("each", 1), compile: c.compileEach},
		"any":  {decl: container("any", 1), compile: c.compileAny},
		"case": {decl: caseDecl(), compile: c.compileCase},
	}
	return c
}

// Schema returns the schema of the condition vocabulary, built on first use.
func (c *Compiler) Schema() (*schema.Schema, error) {
	c.schemaOnce.Do(func() {
		decls := make([]*schema.ElementDecl, 0, len(c.builtins))
		for _, b := range c.builtins {
			decls = append(decls, b.decl)
		}
		c.schema, c.schemaErr = schema.Compile(decls...)
	})
	return c.schema, c.schemaErr
}

// Compile compiles a <condition> element. Its children form an implicit
// AND; a condition without children is always true. When validate is set
// the children are checked against the condition schema first.
func (c *Compiler) Compile(el *xmltree.Element, validate bool) (Condition, error) {
	if validate {
		s, err := c.Schema()
		if err != nil {
			return nil, err
		}
		fragment, err := xmltree.MarshalChildren(el)
		if err != nil {
			return nil, fmt.Errorf("serialize condition: %w", err)
		}
		if err := s.Validate(bytes.NewReader(fragment)); err != nil {
			return nil, err
		}
	}
	root, err := c.implicitAnd(el.Children)
	if err != nil {
		return nil, err
	}
	return &condition{root: root}, nil
}

// buildNode compiles one element and applies the common attributes.
func (c *Compiler) buildNode(el *xmltree.Element) (node, error) {
	b, ok := c.builtins[el.Name]
	if !ok {
		return nil, fmt.Errorf("%w: <%s>", types.ErrUnknownCondition, el.Name)
	}
	n, err := b.compile(el)
	if err != nil {
		return nil, fmt.Errorf("<%s>: %w", el.Name, err)
	}

	var target *expression
	if test, ok := el.Attr("test"); ok {
		target, err = parseExpression(test, el.AttrOr("expressionLanguage", ""))
		if err != nil {
			return nil, fmt.Errorf("<%s> test: %w", el.Name, err)
		}
	}
	failMessage := el.AttrOr("failMessage", "")
	if target == nil && failMessage == "" {
		return n, nil
	}
	return &annotated{inner: n, target: target, failMessage: failMessage}, nil
}

func (c *Compiler) implicitAnd(children []*xmltree.Element) (node, error) {
	nodes, err := c.buildNodes(children)
	if err != nil {
		return nil, err
	}
	switch len(nodes) {
	case 0:
		return constant(true), nil
	case 1:
		return nodes[0], nil
	default:
		return and(nodes), nil
	}
}

func (c *Compiler) buildNodes(children []*xmltree.Element) ([]node, error) {
	nodes := make([]node, 0, len(children))
	for _, child := range children {
		n, err := c.buildNode(child)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (c *Compiler) compileConstant(v bool) func(*xmltree.Element) (node, error) {
	return func(*xmltree.Element) (node, error) { return constant(v), nil }
}

func (c *Compiler) compileEqual(negate bool) func(*xmltree.Element) (node, error) {
	return func(el *xmltree.Element) (node, error) {
		ref, err := refValue(el)
		if err != nil {
			return nil, err
		}
		return &equal{ref: ref, negate: negate}, nil
	}
}

func (c *Compiler) compileCompare(greater bool) func(*xmltree.Element) (node, error) {
	return func(el *xmltree.Element) (node, error) {
		ref, err := refValue(el)
		if err != nil {
			return nil, err
		}
		inclusive, err := boolAttr(el, "inclusive", false)
		if err != nil {
			return nil, err
		}
		return &compare{ref: ref, greater: greater, inclusive: inclusive}, nil
	}
}

func (c *Compiler) compileNull(negate bool) func(*xmltree.Element) (node, error) {
	return func(*xmltree.Element) (node, error) { return isNull{negate: negate}, nil }
}

func (c *Compiler) compileAnd(el *xmltree.Element) (node, error) {
	nodes, err := c.buildNodes(el.Children)
	if err != nil {
		return nil, err
	}
	return and(nodes), nil
}

func (c *Compiler) compileOr(el *xmltree.Element) (node, error) {
	nodes, err := c.buildNodes(el.Children)
	if err != nil {
		return nil, err
	}
	return or(nodes), nil
}

func (c *Compiler) compileNot(el *xmltree.Element) (node, error) {
	inner, err := c.implicitAnd(el.Children)
	if err != nil {
		return nil, err
	}
	return not{inner: inner}, nil
}

func (c *Compiler) compileRegex(el *xmltree.Element) (node, error) {
	pattern, ok := el.Attr("pattern")
	if !ok {
		return nil, fmt.Errorf("%w: pattern is required", types.ErrInvalidAttribute)
	}
	ignoreCase, err := boolAttr(el, "ignoreCase", true)
	if err != nil {
		return nil, err
	}
	nullMatches, err := boolAttr(el, "nullMatches", false)
	if err != nil {
		return nil, err
	}
	if ignoreCase {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern: %v", types.ErrInvalidAttribute, err)
	}
	return &match{re: re, nullMatches: nullMatches}, nil
}

func (c *Compiler) compileCount(el *xmltree.Element) (node, error) {
	lo, err := intAttr(el, "min", 0)
	if err != nil {
		return nil, err
	}
	hi, err := intAttr(el, "max", math.MaxInt)
	if err != nil {
		return nil, err
	}
	if lo > hi {
		return nil, fmt.Errorf("%w: min %d > max %d", types.ErrInvalidAttribute, lo, hi)
	}
	n := &count{min: lo, max: hi}
	if len(el.Children) > 0 {
		if n.elem, err = c.implicitAnd(el.Children); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (c *Compiler) compileEach(el *xmltree.Element) (node, error) {
	elem, err := c.implicitAnd(el.Children)
	if err != nil {
		return nil, err
	}
	return &each{elem: elem}, nil
}

func (c *Compiler) compileAny(el *xmltree.Element) (node, error) {
	elem, err := c.implicitAnd(el.Children)
	if err != nil {
		return nil, err
	}
	return &anyOf{elem: elem}, nil
}

// compileCase expects <when>/<then> pairs followed by exactly one <else>.
func (c *Compiler) compileCase(el *xmltree.Element) (node, error) {
	n := &choice{}
	children := el.Children
	for i := 0; i < len(children); {
		switch children[i].Name {
		case "else":
			if i != len(children)-1 {
				return nil, fmt.Errorf("%w: <else> must be the last element", types.ErrMalformedRule)
			}
			otherwise, err := c.implicitAnd(children[i].Children)
			if err != nil {
				return nil, err
			}
			n.otherwise = otherwise
			return n, nil
		case "when":
			if i+1 >= len(children) || children[i+1].Name != "then" {
				return nil, fmt.Errorf("%w: expected <then> after <when>", types.ErrMalformedRule)
			}
			when, err := c.implicitAnd(children[i].Children)
			if err != nil {
				return nil, err
			}
			then, err := c.implicitAnd(children[i+1].Children)
			if err != nil {
				return nil, err
			}
			n.branches = append(n.branches, whenThen{when: when, then: then})
			i += 2
		default:
			return nil, fmt.Errorf("%w: expected <when>, found <%s>", types.ErrMalformedRule, children[i].Name)
		}
	}
	return nil, fmt.Errorf("%w: expected <else> following <when>/<then> pairs", types.ErrMalformedRule)
}

func refValue(el *xmltree.Element) (*expression, error) {
	raw, ok := el.Attr("refValue")
	if !ok {
		return nil, fmt.Errorf("%w: refValue is required", types.ErrInvalidAttribute)
	}
	return parseExpression(raw, el.AttrOr("expressionLanguage", ""))
}

func boolAttr(el *xmltree.Element, name string, def bool) (bool, error) {
	raw, ok := el.Attr(name)
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", types.ErrInvalidAttribute, name, raw)
	}
	return v, nil
}

func intAttr(el *xmltree.Element, name string, def int) (int, error) {
	raw, ok := el.Attr(name)
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s=%q", types.ErrInvalidAttribute, name, raw)
	}
	return v, nil
}
