package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/schema"
	"github.com/solatis/serverrules/internal/specification"
	"github.com/solatis/serverrules/internal/types"
	"github.com/solatis/serverrules/internal/xmltree"
)

const ruleTypeRetention types.RuleType = "Retention"

// staticSource serves a fixed list of definitions and filters with RuleQuery.
type staticSource struct {
	mu   sync.Mutex
	defs []types.RuleDefinition
	err  error
}

func (s *staticSource) ListRules(_ context.Context, q types.RuleQuery) ([]types.RuleDefinition, error) {
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

func (s *staticSource) set(defs []types.RuleDefinition, err error) {
	s.mu.Lock()
	s.defs, s.err = defs, err
	s.mu.Unlock()
}

// recording returns an operator that records its tag as a decision.
func recording(tag string) actions.Operator {
	return &actions.Definition{
		Name:        tag,
		Declaration: &schema.ElementDecl{Name: tag},
		CompileFunc: func(*xmltree.Element, *actions.Compiler) (actions.Unit, error) {
			return actions.UnitFunc(func(ctx *evalctx.Context) actions.Outcome {
				ctx.Record(tag, nil)
				return actions.Succeeded()
			}), nil
		},
	}
}

func failing(tag string) actions.Operator {
	return &actions.Definition{
		Name:        tag,
		Declaration: &schema.ElementDecl{Name: tag},
		CompileFunc: func(*xmltree.Element, *actions.Compiler) (actions.Unit, error) {
			return actions.UnitFunc(func(*evalctx.Context) actions.Outcome {
				return actions.Failed("%s failed", tag)
			}), nil
		},
	}
}

func testRegistry(t *testing.T) *actions.Registry {
	t.Helper()
	reg := actions.NewRegistry()
	must := func(err error) {
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	must(reg.Register(recording("mark-for-deletion"), ruleTypeRetention))
	must(reg.Register(recording("route"), types.RuleTypeAutoRoute))
	must(reg.Register(recording("log-only")))
	must(reg.Register(failing("broken")))
	return reg
}

func def(name string, rt types.RuleType, condition, action string) types.RuleDefinition {
	return types.RuleDefinition{
		RuleID:  types.RuleID("id-" + name),
		Name:    name,
		Type:    rt,
		Enabled: true,
		Body:    "<rule><condition>" + condition + "</condition><action>" + action + "</action></rule>",
	}
}

func newEngine(t *testing.T, cfg Config, src Source) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, src, testRegistry(t), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func names(rs []*Rule) string {
	var out []string
	for _, r := range rs {
		out = append(out, r.Name)
	}
	return strings.Join(out, ",")
}

func decisionKinds(ds []evalctx.Decision) string {
	var out []string
	for _, d := range ds {
		out = append(out, d.Rule+":"+d.Kind)
	}
	return strings.Join(out, ",")
}

func TestEngine_RetentionScenario(t *testing.T) {
	src := &staticSource{defs: []types.RuleDefinition{
		def("A", ruleTypeRetention, `<greater-than test="$age" refValue="30"/>`, `<mark-for-deletion/>`),
		def("B", ruleTypeRetention, `<true/>`, `<log-only/>`),
	}}
	e := newEngine(t, Config{Validate: true}, src)

	report, err := e.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if report.Loaded != 2 || len(report.Skipped) != 0 {
		t.Fatalf("Load() report = %+v", report)
	}

	ctx := evalctx.FromValue(map[string]any{"age": 45})
	summary, err := e.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := names(summary.RulesApplied); got != "A,B" {
		t.Errorf("RulesApplied = %s, want A,B", got)
	}
	if got := decisionKinds(summary.Decisions); got != "A:mark-for-deletion,B:log-only" {
		t.Errorf("Decisions = %s", got)
	}
	if !summary.Success() {
		t.Errorf("Failures = %+v", summary.Failures)
	}

	// Younger subject: only the unconditional rule applies.
	summary, _ = e.Execute(evalctx.FromValue(map[string]any{"age": 10}))
	if got := names(summary.RulesApplied); got != "B" {
		t.Errorf("RulesApplied = %s, want B", got)
	}
}

func TestEngine_LoadIsolation(t *testing.T) {
	src := &staticSource{defs: []types.RuleDefinition{
		def("bad", ruleTypeRetention, `<true/>`, `<teleport/>`),
		def("good", ruleTypeRetention, `<true/>`, `<log-only/>`),
		def("wrong-type", types.RuleTypeAutoRoute, `<true/>`, `<mark-for-deletion/>`),
		def("bad-condition", ruleTypeRetention, `<maybe/>`, `<log-only/>`),
		{Name: "malformed", Type: ruleTypeRetention, Enabled: true, Body: `<rule><condition/>`},
	}}

	for _, validate := range []bool{true, false} {
		e := newEngine(t, Config{Validate: validate}, src)
		report, err := e.Load(context.Background())
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if report.Loaded != 1 {
			t.Errorf("Loaded = %d, want 1", report.Loaded)
		}
		if len(report.Skipped) != 4 {
			t.Fatalf("Skipped = %+v", report.Skipped)
		}
		if report.Skipped[0].Name != "bad" {
			t.Errorf("Skipped[0] = %s", report.Skipped[0].Name)
		}
		if !validate {
			if !errors.Is(report.Skipped[0].Err, types.ErrUnknownActionTag) {
				t.Errorf("Skipped[0].Err = %v", report.Skipped[0].Err)
			}
			if !errors.Is(report.Skipped[1].Err, types.ErrUnknownActionTag) {
				t.Errorf("Skipped[1].Err = %v", report.Skipped[1].Err)
			}
		}
		if !errors.Is(report.Skipped[3].Err, types.ErrMalformedRule) {
			t.Errorf("Skipped[3].Err = %v", report.Skipped[3].Err)
		}

		summary, _ := e.Execute(evalctx.FromValue(nil))
		if got := names(summary.RulesApplied); got != "good" {
			t.Errorf("RulesApplied = %s, want good", got)
		}
	}
}

func TestEngine_Filters(t *testing.T) {
	withMeta := func(d types.RuleDefinition, at types.ApplyTime, p types.PartitionKey, enabled bool) types.RuleDefinition {
		d.ApplyTime, d.Partition, d.Enabled = at, p, enabled
		return d
	}
	src := &staticSource{defs: []types.RuleDefinition{
		withMeta(def("r1", ruleTypeRetention, `<true/>`, `<log-only/>`), types.ApplyTimeStudyProcessed, "main", true),
		withMeta(def("r2", ruleTypeRetention, `<true/>`, `<log-only/>`), types.ApplyTimeSopReceived, "main", true),
		withMeta(def("r3", ruleTypeRetention, `<true/>`, `<log-only/>`), types.ApplyTimeStudyProcessed, "other", true),
		withMeta(def("r4", ruleTypeRetention, `<true/>`, `<log-only/>`), types.ApplyTimeStudyProcessed, "main", false),
		withMeta(def("r5", types.RuleTypeAutoRoute, `<true/>`, `<route/>`), types.ApplyTimeStudyProcessed, "main", true),
	}}

	tests := []struct {
		name     string
		cfg      Config
		want     string
		filtered int
	}{
		{"apply time and partition", Config{ApplyTime: types.ApplyTimeStudyProcessed, Partition: "main"}, "r5,r1", 0},
		{"include", Config{ApplyTime: types.ApplyTimeStudyProcessed, Partition: "main", Include: []types.RuleType{ruleTypeRetention}}, "r1", 1},
		{"omit", Config{ApplyTime: types.ApplyTimeStudyProcessed, Partition: "main", Omit: []types.RuleType{ruleTypeRetention}}, "r5", 1},
		{"omit wins over include", Config{Include: []types.RuleType{ruleTypeRetention}, Omit: []types.RuleType{ruleTypeRetention}}, "", 4},
		{"everything enabled", Config{}, "r5,r1,r2,r3", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, tt.cfg, src)
			report, err := e.Load(context.Background())
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if report.Filtered != tt.filtered {
				t.Errorf("Filtered = %d, want %d", report.Filtered, tt.filtered)
			}
			summary, _ := e.DryRun(evalctx.FromValue(nil))
			if got := names(summary.RulesApplied); got != tt.want {
				t.Errorf("RulesApplied = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngine_NotLoaded(t *testing.T) {
	e := newEngine(t, Config{}, &staticSource{})
	if _, err := e.Execute(evalctx.FromValue(nil)); !errors.Is(err, types.ErrEngineNotLoaded) {
		t.Errorf("Execute() error = %v, want ErrEngineNotLoaded", err)
	}
	if e.Collections() != nil || !e.LoadedAt().IsZero() {
		t.Error("unloaded engine reports collections")
	}
}

func TestEngine_SourceErrorKeepsSnapshot(t *testing.T) {
	src := &staticSource{defs: []types.RuleDefinition{def("A", ruleTypeRetention, `<true/>`, `<log-only/>`)}}
	e := newEngine(t, Config{}, src)
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	errDown := errors.New("database down")
	src.set(nil, errDown)
	if _, err := e.Load(context.Background()); !errors.Is(err, errDown) {
		t.Fatalf("Load() error = %v, want %v", err, errDown)
	}

	summary, err := e.Execute(evalctx.FromValue(nil))
	if err != nil || names(summary.RulesApplied) != "A" {
		t.Errorf("Execute() after failed reload = %s, %v", names(summary.RulesApplied), err)
	}
}

func TestEngine_DryRunAndFailures(t *testing.T) {
	src := &staticSource{defs: []types.RuleDefinition{
		def("A", ruleTypeRetention, `<true/>`, `<broken/><log-only/>`),
		def("B", ruleTypeRetention, `<false/>`, `<log-only/>`),
	}}
	e := newEngine(t, Config{Validate: true}, src)
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	dry, _ := e.DryRun(evalctx.FromValue(nil))
	if !dry.DryRun || names(dry.RulesApplied) != "A" || len(dry.Decisions) != 0 || !dry.Success() {
		t.Errorf("DryRun() = %+v", dry)
	}

	live, _ := e.Execute(evalctx.FromValue(nil))
	if live.Success() || len(live.Failures) != 1 || live.Failures[0].Rule.Name != "A" {
		t.Fatalf("Execute() Failures = %+v", live.Failures)
	}
	if live.Failures[0].Reasons[0] != "broken failed" {
		t.Errorf("Reasons = %v", live.Failures[0].Reasons)
	}
	// Best effort: the action after the failing one still ran.
	if got := decisionKinds(live.Decisions); got != "A:log-only" {
		t.Errorf("Decisions = %s", got)
	}
	if live.ExecutionID == dry.ExecutionID {
		t.Error("executions share an ID")
	}
}

func TestEngine_Subscribe(t *testing.T) {
	src := &staticSource{defs: []types.RuleDefinition{def("A", ruleTypeRetention, `<true/>`, `<log-only/>`)}}
	e := newEngine(t, Config{ApplyTime: types.ApplyTimeStudyProcessed}, src)
	src.defs[0].ApplyTime = types.ApplyTimeStudyProcessed
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var got []Completion
	unsubscribe := e.Subscribe(func(c Completion) { got = append(got, c) })

	summary, _ := e.Execute(evalctx.FromValue(nil))
	if len(got) != 1 {
		t.Fatalf("completions = %d, want 1", len(got))
	}
	if got[0].Summary.ExecutionID != summary.ExecutionID || names(got[0].Summary.RulesApplied) != "A" {
		t.Errorf("Completion = %+v", got[0])
	}
	if got[0].ApplyTime != types.ApplyTimeStudyProcessed {
		t.Errorf("Completion.ApplyTime = %s", got[0].ApplyTime)
	}

	unsubscribe()
	unsubscribe()
	_, _ = e.Execute(evalctx.FromValue(nil))
	if len(got) != 1 {
		t.Errorf("completions after unsubscribe = %d, want 1", len(got))
	}
}

func TestEngine_MetadataSurfaced(t *testing.T) {
	d := def("fallback", ruleTypeRetention, `<true/>`, `<log-only/>`)
	d.IsDefault, d.IsExempt, d.Description = true, true, "keep everything"
	e := newEngine(t, Config{}, &staticSource{defs: []types.RuleDefinition{d}})
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	summary, _ := e.Execute(evalctx.FromValue(nil))
	r := summary.RulesApplied[0]
	if !r.IsDefault || !r.IsExempt || r.Description != "keep everything" || r.ID != "id-fallback" {
		t.Errorf("Rule = %+v", r)
	}
}

func TestEngine_ConcurrentExecuteDuringReload(t *testing.T) {
	oldDefs := []types.RuleDefinition{
		def("old-1", ruleTypeRetention, `<true/>`, `<log-only/>`),
		def("old-2", ruleTypeRetention, `<true/>`, `<log-only/>`),
	}
	newDefs := []types.RuleDefinition{
		def("new-1", ruleTypeRetention, `<true/>`, `<log-only/>`),
		def("new-2", ruleTypeRetention, `<true/>`, `<log-only/>`),
	}
	src := &staticSource{defs: oldDefs}
	e := newEngine(t, Config{Validate: true}, src)
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var stop atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				summary, err := e.Execute(evalctx.FromValue(nil))
				if err != nil {
					t.Errorf("Execute() error = %v", err)
					return
				}
				got := names(summary.RulesApplied)
				if got != "old-1,old-2" && got != "new-1,new-2" {
					t.Errorf("Execute() observed a mixed snapshot: %s", got)
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			src.set(newDefs, nil)
		} else {
			src.set(oldDefs, nil)
		}
		if _, err := e.Load(context.Background()); err != nil {
			t.Errorf("Load() error = %v", err)
		}
	}
	stop.Store(true)
	wg.Wait()
}

func TestTypeCollection_LastApplied(t *testing.T) {
	specs := specification.NewCompiler()
	c := actions.NewCompiler(testRegistry(t).ForRuleType(ruleTypeRetention), nil)
	compile := func(d types.RuleDefinition) *Rule {
		r, err := CompileRule(d, specs, c, true)
		if err != nil {
			t.Fatalf("CompileRule() error = %v", err)
		}
		return r
	}
	coll := NewTypeCollection(ruleTypeRetention,
		compile(def("old", ruleTypeRetention, `<greater-than test="$age" refValue="30"/>`, `<mark-for-deletion/>`)),
		compile(def("any", ruleTypeRetention, ``, `<log-only/>`)),
	)

	if coll.LastApplied() != nil {
		t.Error("LastApplied() before Execute is not nil")
	}
	coll.Execute(evalctx.FromValue(map[string]any{"age": 45}), false)
	if got := names(coll.LastApplied()); got != "old,any" {
		t.Errorf("LastApplied() = %s", got)
	}
	coll.Execute(evalctx.FromValue(map[string]any{"age": 5}), true)
	if got := names(coll.LastApplied()); got != "any" {
		t.Errorf("LastApplied() = %s", got)
	}
	if len(coll.Rules()) != 2 || coll.Type() != ruleTypeRetention {
		t.Errorf("Rules() = %d, Type() = %s", len(coll.Rules()), coll.Type())
	}
}

func TestCompileRule_Malformed(t *testing.T) {
	specs := specification.NewCompiler()
	c := actions.NewCompiler(testRegistry(t), nil)

	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"not xml", `rule`, types.ErrMalformedRule},
		{"wrong root", `<policy><condition/><action/></policy>`, types.ErrMalformedRule},
		{"no condition", `<rule><action/></rule>`, types.ErrMalformedRule},
		{"no action", `<rule><condition/></rule>`, types.ErrMalformedRule},
		{"too large", `<rule>` + strings.Repeat(" ", types.MaxRuleSize) + `</rule>`, types.ErrRuleTooLarge},
		{"too deep", strings.Repeat("<a>", 40) + strings.Repeat("</a>", 40), types.ErrMalformedRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := types.RuleDefinition{Name: tt.name, Type: ruleTypeRetention, Body: tt.body}
			if _, err := CompileRule(d, specs, c, true); !errors.Is(err, tt.wantErr) {
				t.Errorf("CompileRule() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
