package api

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/serverrules/internal/core/auth"
	"github.com/solatis/serverrules/internal/operators"
	"github.com/solatis/serverrules/internal/rules"
	"github.com/solatis/serverrules/internal/types"
)

type memorySource struct {
	mu   sync.Mutex
	defs []types.RuleDefinition
	err  error
}

func (s *memorySource) ListRules(_ context.Context, q types.RuleQuery) ([]types.RuleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []types.RuleDefinition
	for _, d := range s.defs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

type memoryAudit struct {
	mu      sync.Mutex
	records []rules.Completion
	err     error
}

func (a *memoryAudit) Record(_ context.Context, c rules.Completion) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, c)
	return nil
}

func rule(name string, rt types.RuleType, partition types.PartitionKey, condition, action string) types.RuleDefinition {
	return types.RuleDefinition{
		RuleID:    types.NewRuleID(),
		Name:      name,
		Type:      rt,
		ApplyTime: types.ApplyTimeSopReceived,
		Partition: partition,
		Enabled:   true,
		Body:      "<rule><condition>" + condition + "</condition><action>" + action + "</action></rule>",
	}
}

func testService(t *testing.T, src *memorySource, audit Auditor) *RulesService {
	t.Helper()
	reg, err := operators.NewRegistry(nil)
	require.NoError(t, err)
	m, err := rules.NewManager(rules.Config{Validate: true}, src, reg, nil)
	require.NoError(t, err)
	svc, err := NewRulesService(m, audit, nil)
	require.NoError(t, err)
	return svc
}

func testRules() []types.RuleDefinition {
	return []types.RuleDefinition{
		rule("route-ct", types.RuleTypeAutoRoute, "p1", `<equal test="$modality" refValue="CT"/>`, `<auto-route device="PACS"/>`),
		rule("always-fail", types.RuleTypeStudyCompress, "p1", ``, `<fail message="codec unavailable"/>`),
		rule("other", types.RuleTypeAutoRoute, "p2", ``, `<auto-route device="ELSEWHERE"/>`),
	}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func p1(ctx context.Context) context.Context {
	return auth.WithPartition(ctx, "p1")
}

func TestExecute(t *testing.T) {
	audit := &memoryAudit{}
	svc := testService(t, &memorySource{defs: testRules()}, audit)

	resp, err := svc.Execute(p1(context.Background()), mustStruct(t, map[string]any{
		"apply_time": "SopReceived",
		"subject":    map[string]any{"modality": "CT"},
	}))
	require.NoError(t, err)
	out := resp.AsMap()

	assert.Equal(t, false, out["success"])
	assert.Equal(t, true, out["audited"])
	applied := out["rules_applied"].([]any)
	require.Len(t, applied, 2)
	assert.Equal(t, "route-ct", applied[0].(map[string]any)["name"], "AutoRoute sorts before StudyCompress")
	assert.Equal(t, "always-fail", applied[1].(map[string]any)["name"])

	failures := out["failures"].([]any)
	require.Len(t, failures, 1)
	assert.Equal(t, []any{"codec unavailable"}, failures[0].(map[string]any)["reasons"])

	decisions := out["decisions"].([]any)
	require.Len(t, decisions, 1)
	d := decisions[0].(map[string]any)
	assert.Equal(t, "auto-route", d["kind"])
	assert.Equal(t, "route-ct", d["rule"])
	assert.Equal(t, "PACS", d["params"].(map[string]any)["device"])

	require.Len(t, audit.records, 1)
	assert.Equal(t, types.PartitionKey("p1"), audit.records[0].Partition)
	assert.Equal(t, types.ApplyTimeSopReceived, audit.records[0].ApplyTime)
}

func TestExecuteDryRun(t *testing.T) {
	audit := &memoryAudit{}
	svc := testService(t, &memorySource{defs: testRules()}, audit)

	resp, err := svc.Execute(p1(context.Background()), mustStruct(t, map[string]any{
		"apply_time": "SopReceived",
		"subject":    map[string]any{"modality": "MR"},
		"dry_run":    true,
	}))
	require.NoError(t, err)
	out := resp.AsMap()

	assert.Equal(t, true, out["dry_run"])
	assert.Equal(t, true, out["success"], "dry run executes no actions")
	assert.Len(t, out["rules_applied"], 1)
	assert.Empty(t, out["decisions"])
	assert.Empty(t, audit.records, "dry runs are not audited")
}

func TestExecutePartitionIsolation(t *testing.T) {
	svc := testService(t, &memorySource{defs: testRules()}, nil)

	resp, err := svc.Execute(auth.WithPartition(context.Background(), "p2"), mustStruct(t, map[string]any{
		"apply_time": "SopReceived",
	}))
	require.NoError(t, err)
	applied := resp.AsMap()["rules_applied"].([]any)
	require.Len(t, applied, 1)
	assert.Equal(t, "other", applied[0].(map[string]any)["name"])
}

func TestExecuteAuditFailure(t *testing.T) {
	svc := testService(t, &memorySource{defs: testRules()}, &memoryAudit{err: errors.New("disk full")})

	resp, err := svc.Execute(p1(context.Background()), mustStruct(t, map[string]any{
		"apply_time": "SopReceived",
		"subject":    map[string]any{"modality": "CT"},
	}))
	require.NoError(t, err)
	assert.Equal(t, false, resp.AsMap()["audited"])
	assert.Len(t, resp.AsMap()["decisions"], 1)
}

func TestExecuteInvalidRequests(t *testing.T) {
	svc := testService(t, &memorySource{defs: testRules()}, nil)
	tests := []struct {
		name string
		req  map[string]any
	}{
		{"missing apply_time", map[string]any{}},
		{"empty apply_time", map[string]any{"apply_time": ""}},
		{"numeric apply_time", map[string]any{"apply_time": 3}},
		{"dry_run not bool", map[string]any{"apply_time": "SopReceived", "dry_run": "yes"}},
		{"bad now", map[string]any{"apply_time": "SopReceived", "now": "yesterday"}},
		{"oversized", map[string]any{"apply_time": "SopReceived", "subject": strings.Repeat("x", types.MaxPayloadSize+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Execute(p1(context.Background()), mustStruct(t, tt.req))
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestExecuteFixedNow(t *testing.T) {
	defs := []types.RuleDefinition{
		rule("keep", types.RuleTypeTier1Retention, "p1", ``, `<tier1-retention time="1" unit="days"/>`),
	}
	svc := testService(t, &memorySource{defs: defs}, nil)

	resp, err := svc.Execute(p1(context.Background()), mustStruct(t, map[string]any{
		"apply_time": "SopReceived",
		"now":        "2026-03-10T14:30:00Z",
	}))
	require.NoError(t, err)
	d := resp.AsMap()["decisions"].([]any)[0].(map[string]any)
	assert.Equal(t, "2026-03-11T14:30:00Z", d["params"].(map[string]any)["until"])
}

func TestExecuteSourceUnavailable(t *testing.T) {
	svc := testService(t, &memorySource{err: errors.New("db down")}, nil)
	_, err := svc.Execute(p1(context.Background()), mustStruct(t, map[string]any{"apply_time": "SopReceived"}))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestListRules(t *testing.T) {
	defs := append(testRules(),
		rule("broken", types.RuleTypeAutoRoute, "p1", ``, `<no-such-action/>`))
	svc := testService(t, &memorySource{defs: defs}, nil)

	resp, err := svc.ListRules(p1(context.Background()), mustStruct(t, map[string]any{"apply_time": "SopReceived"}))
	require.NoError(t, err)
	out := resp.AsMap()

	assert.Equal(t, "p1", out["partition"])
	assert.NotEmpty(t, out["loaded_at"])
	groups := out["rule_types"].([]any)
	require.Len(t, groups, 2)
	assert.Equal(t, "AutoRoute", groups[0].(map[string]any)["type"])
	assert.Len(t, groups[0].(map[string]any)["rules"], 1, "broken rule is skipped")
	assert.Equal(t, "StudyCompress", groups[1].(map[string]any)["type"])

	_, err = svc.ListRules(p1(context.Background()), mustStruct(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestReload(t *testing.T) {
	src := &memorySource{defs: testRules()}
	svc := testService(t, src, nil)
	ctx := p1(context.Background())

	_, err := svc.ListRules(ctx, mustStruct(t, map[string]any{"apply_time": "SopReceived"}))
	require.NoError(t, err)
	_, err = svc.ListRules(auth.WithPartition(context.Background(), "p2"), mustStruct(t, map[string]any{"apply_time": "SopReceived"}))
	require.NoError(t, err)

	p2 := auth.WithPartition(context.Background(), "p2")
	before, err := svc.ListRules(p2, mustStruct(t, map[string]any{"apply_time": "SopReceived"}))
	require.NoError(t, err)

	src.mu.Lock()
	src.defs = append(src.defs, rule("route-mr", types.RuleTypeAutoRoute, "p1", `<equal test="$modality" refValue="MR"/>`, `<auto-route device="MRPACS"/>`))
	src.mu.Unlock()

	resp, err := svc.Reload(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	out := resp.AsMap()
	assert.Equal(t, true, out["success"])
	engines := out["engines"].([]any)
	require.Len(t, engines, 1, "only the caller's partition is reloaded")
	assert.Equal(t, "p1", engines[0].(map[string]any)["partition"])
	assert.Equal(t, 3.0, engines[0].(map[string]any)["loaded"])

	after, err := svc.ListRules(p2, mustStruct(t, map[string]any{"apply_time": "SopReceived"}))
	require.NoError(t, err)
	assert.Equal(t, before.AsMap()["loaded_at"], after.AsMap()["loaded_at"], "other partitions keep their snapshot")

	src.mu.Lock()
	src.err = errors.New("db down")
	src.mu.Unlock()
	resp, err = svc.Reload(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	out = resp.AsMap()
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["engines"].([]any)[0].(map[string]any)["error"], "db down")
}

func TestAllowApplyTimes(t *testing.T) {
	svc := testService(t, &memorySource{defs: testRules()}, nil)
	svc.AllowApplyTimes(types.ApplyTimeSopReceived)
	ctx := p1(context.Background())

	_, err := svc.Execute(ctx, mustStruct(t, map[string]any{"apply_time": "SopReceived"}))
	assert.NoError(t, err)
	_, err = svc.Execute(ctx, mustStruct(t, map[string]any{"apply_time": "Whenever"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = svc.ListRules(ctx, mustStruct(t, map[string]any{"apply_time": "Whenever"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	svc.AllowApplyTimes()
	_, err = svc.Execute(ctx, mustStruct(t, map[string]any{"apply_time": "Whenever"}))
	assert.NoError(t, err)
}

func TestNewRulesServiceRequiresEngines(t *testing.T) {
	_, err := NewRulesService(nil, nil, nil)
	assert.Error(t, err)
}
