package api

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/serverrules/internal/core/auth"
	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/rules"
	"github.com/solatis/serverrules/internal/types"
)

// executeRequest is the decoded form of an Execute request:
//
//	{"apply_time": "SopReceived", "subject": {...}, "dry_run": false, "now": "2026-03-10T14:30:00Z"}
type executeRequest struct {
	applyTime types.ApplyTime
	subject   any
	dryRun    bool
	now       time.Time
}

func parseExecuteRequest(req *structpb.Struct) (executeRequest, error) {
	if proto.Size(req) > types.MaxPayloadSize {
		return executeRequest{}, toStatus(types.ErrPayloadTooLarge)
	}

	out := executeRequest{now: time.Now()}
	at, err := stringField(req, "apply_time", true)
	if err != nil {
		return out, err
	}
	out.applyTime = types.ApplyTime(at)

	if v, ok := req.GetFields()["subject"]; ok {
		out.subject = v.AsInterface()
	}
	if v, ok := req.GetFields()["dry_run"]; ok {
		b, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return out, invalidArgument("dry_run must be a boolean")
		}
		out.dryRun = b.BoolValue
	}

	raw, err := stringField(req, "now", false)
	if err != nil {
		return out, err
	}
	if raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return out, invalidArgument("now must be an RFC3339 timestamp: %v", err)
		}
		out.now = t
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string, required bool) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		if required {
			return "", invalidArgument("%s is required", name)
		}
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || (required && s.StringValue == "") {
		return "", invalidArgument("%s must be a non-empty string", name)
	}
	return s.StringValue, nil
}

// Execute runs the rules of the caller's partition for one apply time
// against the subject.
func (s *RulesService) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := parseExecuteRequest(req)
	if err != nil {
		return nil, err
	}
	partition := auth.PartitionFromContext(ctx)

	engine, err := s.engine(ctx, in.applyTime, partition)
	if err != nil {
		return nil, err
	}

	ectx := evalctx.FromValue(in.subject).WithNow(in.now)
	run := engine.Execute
	if in.dryRun {
		run = engine.DryRun
	}
	summary, err := run(ectx)
	if err != nil {
		return nil, toStatus(err)
	}

	audited := false
	if s.audit != nil && !summary.DryRun {
		c := rules.Completion{ApplyTime: in.applyTime, Partition: partition, Summary: summary}
		if err := s.audit.Record(ctx, c); err != nil {
			// Decisions were already made; report them even when the trail write fails.
			s.logger.Error("audit record failed",
				"execution_id", summary.ExecutionID,
				"error", err)
		} else {
			audited = true
		}
	}

	return structpb.NewStruct(summaryDocument(summary, audited))
}

func summaryDocument(s rules.ExecutionSummary, audited bool) map[string]any {
	applied := make([]any, 0, len(s.RulesApplied))
	for _, r := range s.RulesApplied {
		applied = append(applied, ruleDocument(r))
	}

	failures := make([]any, 0, len(s.Failures))
	for _, f := range s.Failures {
		reasons := make([]any, 0, len(f.Reasons))
		for _, r := range f.Reasons {
			reasons = append(reasons, r)
		}
		failures = append(failures, map[string]any{
			"rule_id": string(f.Rule.ID),
			"rule":    f.Rule.Name,
			"reasons": reasons,
		})
	}

	decisions := make([]any, 0, len(s.Decisions))
	for _, d := range s.Decisions {
		params := make(map[string]any, len(d.Params))
		for k, v := range d.Params {
			params[k] = v
		}
		decisions = append(decisions, map[string]any{
			"kind":   d.Kind,
			"rule":   d.Rule,
			"params": params,
		})
	}

	return map[string]any{
		"execution_id":  string(s.ExecutionID),
		"dry_run":       s.DryRun,
		"success":       s.Success(),
		"audited":       audited,
		"rules_applied": applied,
		"failures":      failures,
		"decisions":     decisions,
		"duration_ms":   float64(s.Duration.Microseconds()) / 1000,
	}
}

func ruleDocument(r *rules.Rule) map[string]any {
	return map[string]any{
		"id":          string(r.ID),
		"name":        r.Name,
		"description": r.Description,
		"type":        string(r.Type),
		"default":     r.IsDefault,
		"exempt":      r.IsExempt,
	}
}

// ListRules returns the rules loaded for the caller's partition at one
// apply time, grouped by rule type.
//
//	{"apply_time": "SopReceived"}
func (s *RulesService) ListRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	at, err := stringField(req, "apply_time", true)
	if err != nil {
		return nil, err
	}
	partition := auth.PartitionFromContext(ctx)

	engine, err := s.engine(ctx, types.ApplyTime(at), partition)
	if err != nil {
		return nil, err
	}

	collections := engine.Collections()
	groups := make([]any, 0, len(collections))
	for _, c := range collections {
		rs := c.Rules()
		docs := make([]any, 0, len(rs))
		for _, r := range rs {
			docs = append(docs, ruleDocument(r))
		}
		groups = append(groups, map[string]any{
			"type":  string(c.Type()),
			"rules": docs,
		})
	}

	return structpb.NewStruct(map[string]any{
		"apply_time": at,
		"partition":  string(partition),
		"loaded_at":  engine.LoadedAt().UTC().Format(time.RFC3339Nano),
		"rule_types": groups,
	})
}

// Reload reloads the engines serving the caller's partition.
func (s *RulesService) Reload(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	partition := auth.PartitionFromContext(ctx)
	reports, err := s.engines.ReloadPartition(ctx, partition)
	if err != nil {
		s.logger.Warn("reload requested through API failed", "partition", partition, "error", err)
	}

	engines := make([]any, 0, len(reports))
	success := true
	for _, r := range reports {
		doc := map[string]any{
			"apply_time":  string(r.ApplyTime),
			"partition":   string(r.Partition),
			"loaded":      float64(r.Report.Loaded),
			"filtered":    float64(r.Report.Filtered),
			"skipped":     skippedDocuments(r.Report.Skipped),
			"duration_ms": float64(r.Report.Duration.Microseconds()) / 1000,
		}
		if r.Err != nil {
			doc["error"] = r.Err.Error()
			success = false
		}
		engines = append(engines, doc)
	}

	return structpb.NewStruct(map[string]any{
		"success": success,
		"engines": engines,
	})
}

func skippedDocuments(skipped []rules.SkippedRule) []any {
	out := make([]any, 0, len(skipped))
	for _, sk := range skipped {
		out = append(out, map[string]any{
			"rule_id": string(sk.RuleID),
			"rule":    sk.Name,
			"type":    string(sk.Type),
			"error":   sk.Err.Error(),
		})
	}
	return out
}
