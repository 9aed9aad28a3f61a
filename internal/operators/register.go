// Package operators provides the built-in action vocabulary.
//
// Action units never touch the outside world. Each one appends a decision
// to the execution context (route to a device, schedule a deletion, grant
// access) and the host that owns the subject carries it out.
package operators

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/types"
)

// registration binds an operator to the rule types it applies to.
type registration struct {
	op        actions.Operator
	ruleTypes []types.RuleType
}

// Register adds every built-in operator to registry:
//
//   - auto-route (AutoRoute)
//   - study-delete (StudyDelete)
//   - tier1-retention (Tier1Retention)
//   - online-retention (OnlineRetention)
//   - compress (StudyCompress, SopCompress)
//   - grant-access (DataAccess)
//   - log, no-op, group, fail (every rule type)
//
// logger receives the output of log actions; nil means slog.Default().
func Register(registry *actions.Registry, logger *slog.Logger) error {
	if registry == nil {
		return errors.New("operators: registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	table := []registration{
		{AutoRoute(), []types.RuleType{types.RuleTypeAutoRoute}},
		{StudyDelete(), []types.RuleType{types.RuleTypeStudyDelete}},
		{Retention(TagTier1Retention), []types.RuleType{types.RuleTypeTier1Retention}},
		{Retention(TagOnlineRetention), []types.RuleType{types.RuleTypeOnlineRetention}},
		{Compress(), []types.RuleType{types.RuleTypeStudyCompress, types.RuleTypeSopCompress}},
		{GrantAccess(), []types.RuleType{types.RuleTypeDataAccess}},
		{Log(logger), nil},
		{NoOp(), nil},
		{Group(), nil},
		{Fail(), nil},
	}
	for _, r := range table {
		if err := registry.Register(r.op, r.ruleTypes...); err != nil {
			return fmt.Errorf("register %s: %w", r.op.Tag(), err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in operators.
func NewRegistry(logger *slog.Logger) (*actions.Registry, error) {
	reg := actions.NewRegistry()
	if err := Register(reg, logger); err != nil {
		return nil, err
	}
	return reg, nil
}
