package actions

import (
	"fmt"
	"sort"

	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/types"
)

type registration struct {
	op        Operator
	ruleTypes map[types.RuleType]bool // nil = applicable to every rule type
}

// Registry maps element tags to operators. Registration happens at startup;
// a Registry is read-only once handed to a Compiler.
type Registry struct {
	ops map[string]*registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]*registration)}
}

// Register adds op, applicable to the given rule types or to every rule
// type when none are given.
func (r *Registry) Register(op Operator, ruleTypes ...types.RuleType) error {
	tag := op.Tag()
	if _, exists := r.ops[tag]; exists {
		return &DuplicateTagError{Tag: tag}
	}
	if d := op.Schema(); d != nil && d.Name != tag {
		return fmt.Errorf("%w: operator %q declares element %q", types.ErrInvalidSchema, tag, d.Name)
	}
	reg := &registration{op: op}
	if len(ruleTypes) > 0 {
		reg.ruleTypes = make(map[types.RuleType]bool, len(ruleTypes))
		for _, rt := range ruleTypes {
			reg.ruleTypes[rt] = true
		}
	}
	r.ops[tag] = reg
	return nil
}

// Resolve returns the operator registered for tag.
func (r *Registry) Resolve(tag string) (Operator, error) {
	reg, ok := r.ops[tag]
	if !ok {
		return nil, &UnknownOperatorError{Tag: tag}
	}
	return reg.op, nil
}

// ForRuleType returns a new registry holding only the operators applicable
// to rt.
func (r *Registry) ForRuleType(rt types.RuleType) *Registry {
	out := NewRegistry()
	for tag, reg := range r.ops {
		if reg.ruleTypes == nil || reg.ruleTypes[rt] {
			out.ops[tag] = reg
		}
	}
	return out
}

// Tags returns the registered tags in sorted order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.ops))
	for tag := range r.ops {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// schemaDecls returns the schema fragments plus a lax declaration for every
// operator that contributes none, so its elements still validate.
func (r *Registry) schemaDecls() []*schema.ElementDecl {
	var decls []*schema.ElementDecl
	for _, tag := range r.Tags() {
		d := r.ops[tag].op.Schema()
		if d == nil {
			d = &schema.ElementDecl{Name: tag, Lax: true}
		}
		decls = append(decls, d)
	}
	return decls
}
