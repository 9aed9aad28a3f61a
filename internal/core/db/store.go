package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/solatis/serverrules/internal/rules"
	"github.com/solatis/serverrules/internal/types"
)

// RuleStore is the SQL rule source. It satisfies rules.Source.
type RuleStore struct {
	queries *Queries
}

// NewRuleStore creates a rule store over loaded queries.
func NewRuleStore(q *Queries) *RuleStore {
	return &RuleStore{queries: q}
}

// ListRules returns definitions matching q in creation order.
func (s *RuleStore) ListRules(ctx context.Context, q types.RuleQuery) ([]types.RuleDefinition, error) {
	var defs []types.RuleDefinition
	err := s.queries.Select(ctx, "list-rules", &defs,
		q.ApplyTime, q.ApplyTime,
		q.Partition, q.Partition,
		q.EnabledOnly)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return defs, nil
}

// SaveRules inserts or updates definitions in one transaction. Definitions
// without an ID get a new one; the returned slice carries the final IDs.
func (s *RuleStore) SaveRules(ctx context.Context, defs []types.RuleDefinition) ([]types.RuleDefinition, error) {
	out := make([]types.RuleDefinition, len(defs))
	for i, def := range defs {
		if err := checkDefinition(&def); err != nil {
			return nil, err
		}
		out[i] = def
	}

	now := time.Now().UTC()
	err := s.queries.InTx(ctx, func(tx *TxQueries) error {
		for _, def := range out {
			_, err := tx.Exec(ctx, "upsert-rule",
				def.RuleID, def.Name, def.Description, def.Type, def.ApplyTime, def.Partition,
				def.Enabled, def.IsDefault, def.IsExempt, def.Body, now, now)
			if err != nil {
				return fmt.Errorf("save rule %q: %w", def.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkDefinition fills in a missing ID and rejects incomplete definitions.
// Rule bodies are compiled by the engine, not here.
func checkDefinition(def *types.RuleDefinition) error {
	switch {
	case def.Name == "":
		return fmt.Errorf("%w: rule name required", types.ErrMalformedRule)
	case def.Type == "":
		return fmt.Errorf("%w: rule %q: type required", types.ErrMalformedRule, def.Name)
	case def.ApplyTime == "":
		return fmt.Errorf("%w: rule %q: apply_time required", types.ErrMalformedRule, def.Name)
	case strings.TrimSpace(def.Body) == "":
		return fmt.Errorf("%w: rule %q: xml required", types.ErrMalformedRule, def.Name)
	}
	if def.RuleID == "" {
		def.RuleID = types.NewRuleID()
		return nil
	}
	if _, err := types.ParseRuleID(string(def.RuleID)); err != nil {
		return fmt.Errorf("%w: rule %q: invalid id %q", types.ErrMalformedRule, def.Name, def.RuleID)
	}
	return nil
}

// AuditLog records applied rules, one row per rule per execution.
type AuditLog struct {
	queries *Queries
}

// NewAuditLog creates an audit log over loaded queries.
func NewAuditLog(q *Queries) *AuditLog {
	return &AuditLog{queries: q}
}

// Record stores the rules applied by a completed execution. Dry runs are
// not recorded.
func (a *AuditLog) Record(ctx context.Context, c rules.Completion) error {
	s := c.Summary
	if s.DryRun || len(s.RulesApplied) == 0 {
		return nil
	}

	failures := make(map[types.RuleID][]string, len(s.Failures))
	for _, f := range s.Failures {
		failures[f.Rule.ID] = f.Reasons
	}

	executedAt := types.ExecutionIDTime(s.ExecutionID).UTC()
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}

	return a.queries.InTx(ctx, func(tx *TxQueries) error {
		for _, r := range s.RulesApplied {
			decisions, err := json.Marshal(decisionsFor(s, r.Name))
			if err != nil {
				return fmt.Errorf("encode decisions: %w", err)
			}
			reasons, failed := failures[r.ID]
			_, err = tx.Exec(ctx, "record-execution",
				s.ExecutionID, r.ID, r.Type, c.ApplyTime, c.Partition,
				!failed, strings.Join(reasons, "; "), string(decisions), executedAt)
			if err != nil {
				return fmt.Errorf("record execution of rule %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func decisionsFor(s rules.ExecutionSummary, rule string) []evalDecision {
	out := []evalDecision{}
	for _, d := range s.Decisions {
		if d.Rule == rule {
			out = append(out, evalDecision{Kind: d.Kind, Params: d.Params})
		}
	}
	return out
}

// evalDecision is the stored form of a decision; the rule is the row key.
type evalDecision struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}
