// Package rules compiles rule definitions into rules grouped by rule type
// and executes them against an evaluation context.
//
// A loaded engine holds an immutable snapshot of compiled rules. Reloading
// builds a new snapshot and publishes it atomically, so executions running
// during a reload see either the old or the new rules, never a mix.
package rules

import (
	"fmt"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/specification"
	"github.com/solatis/serverrules/internal/types"
	"github.com/solatis/serverrules/internal/xmltree"
)

// Rule is a compiled rule definition. Rules are immutable and safe for
// concurrent use.
type Rule struct {
	ID          types.RuleID
	Name        string
	Description string
	Type        types.RuleType
	// IsDefault and IsExempt are carried through to callers unchanged; the
	// engine attaches no behaviour to them.
	IsDefault bool
	IsExempt  bool

	Condition specification.Condition
	Actions   *actions.Set
}

// CompileRule compiles def. The body must be a <rule> element holding one
// <condition> and one <action> element. The action body is validated
// against the schema context named after the rule type.
func CompileRule(def types.RuleDefinition, specs *specification.Compiler, acts *actions.Compiler, validate bool) (*Rule, error) {
	if len(def.Body) > types.MaxRuleSize {
		return nil, types.ErrRuleTooLarge
	}
	root, err := xmltree.ParseString(def.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedRule, err)
	}
	if root.Name != "rule" {
		return nil, fmt.Errorf("%w: root element is <%s>, want <rule>", types.ErrMalformedRule, root.Name)
	}
	condEl := root.Child("condition")
	if condEl == nil {
		return nil, fmt.Errorf("%w: missing <condition>", types.ErrMalformedRule)
	}
	actionEl := root.Child("action")
	if actionEl == nil {
		return nil, fmt.Errorf("%w: missing <action>", types.ErrMalformedRule)
	}

	cond, err := specs.Compile(condEl, validate)
	if err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	set, err := acts.Compile(actionEl, string(def.Type), validate)
	if err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}

	return &Rule{
		ID:          def.RuleID,
		Name:        def.Name,
		Description: def.Description,
		Type:        def.Type,
		IsDefault:   def.IsDefault,
		IsExempt:    def.IsExempt,
		Condition:   cond,
		Actions:     set,
	}, nil
}
