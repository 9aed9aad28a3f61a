package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/evalctx"
	"github.com/solatis/serverrules/internal/specification"
	"github.com/solatis/serverrules/internal/types"
)

// Source supplies rule definitions.
type Source interface {
	ListRules(ctx context.Context, q types.RuleQuery) ([]types.RuleDefinition, error)
}

// Config selects which definitions an engine loads.
type Config struct {
	ApplyTime types.ApplyTime    // empty = every apply time
	Partition types.PartitionKey // empty = every partition
	Include   []types.RuleType   // empty = every rule type
	Omit      []types.RuleType
	Validate  bool // validate rule bodies against the schemas
}

// allows applies the include/omit filter.
func (c *Config) allows(rt types.RuleType) bool {
	for _, o := range c.Omit {
		if o == rt {
			return false
		}
	}
	if len(c.Include) == 0 {
		return true
	}
	for _, i := range c.Include {
		if i == rt {
			return true
		}
	}
	return false
}

// SkippedRule is a definition that failed to compile.
type SkippedRule struct {
	RuleID types.RuleID
	Name   string
	Type   types.RuleType
	Err    error
}

// LoadReport summarizes one Load.
type LoadReport struct {
	Loaded   int
	Filtered int // excluded by the rule type filter
	Skipped  []SkippedRule
	Types    []types.RuleType
	Duration time.Duration
}

// ExecutionSummary is the outcome of one Execute or DryRun.
type ExecutionSummary struct {
	ExecutionID  types.ExecutionID
	DryRun       bool
	RulesApplied []*Rule // collections ordered by rule type, rules in load order
	Failures     []RuleFailure
	Decisions    []evalctx.Decision
	Duration     time.Duration
}

// Success reports whether every applied rule's actions succeeded.
func (s *ExecutionSummary) Success() bool {
	return len(s.Failures) == 0
}

// Completion is delivered to subscribers after every execution.
type Completion struct {
	ApplyTime types.ApplyTime
	Partition types.PartitionKey
	Summary   ExecutionSummary
}

type snapshot struct {
	collections []*TypeCollection // sorted by rule type
	loadedAt    time.Time
}

// Engine loads rules from a Source and executes them. Execute may be called
// concurrently with itself and with Load.
type Engine struct {
	cfg      Config
	source   Source
	registry *actions.Registry
	specs    *specification.Compiler
	schemas  *actions.SchemaCache
	logger   *slog.Logger

	loadMu   sync.Mutex
	snapshot atomic.Pointer[snapshot]

	subMu   sync.RWMutex
	subs    map[int]func(Completion)
	nextSub int
}

// NewEngine creates an engine. registry holds every operator; each rule type
// compiles against the operators applicable to it.
func NewEngine(cfg Config, source Source, registry *actions.Registry, logger *slog.Logger) (*Engine, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		source:   source,
		registry: registry,
		specs:    specification.NewCompiler(),
		schemas:  actions.NewSchemaCache(),
		logger:   logger.With("apply_time", cfg.ApplyTime, "partition", cfg.Partition),
		subs:     make(map[int]func(Completion)),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Load reads definitions from the source, compiles them, and publishes the
// result. A definition that fails to compile is logged and skipped; the
// error return is reserved for source failures, in which case the previous
// snapshot stays in place.
func (e *Engine) Load(ctx context.Context) (LoadReport, error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	start := time.Now()
	q := types.RuleQuery{ApplyTime: e.cfg.ApplyTime, Partition: e.cfg.Partition, EnabledOnly: true}
	defs, err := e.source.ListRules(ctx, q)
	if err != nil {
		return LoadReport{}, fmt.Errorf("list rules: %w", err)
	}

	var report LoadReport
	byType := make(map[types.RuleType][]*Rule)
	compilers := make(map[types.RuleType]*actions.Compiler)

	for _, def := range defs {
		if !q.Matches(def) {
			continue
		}
		if !e.cfg.allows(def.Type) {
			report.Filtered++
			continue
		}

		c, ok := compilers[def.Type]
		if !ok {
			c = actions.NewCompiler(e.registry.ForRuleType(def.Type), e.schemas)
			compilers[def.Type] = c
		}

		r, err := CompileRule(def, e.specs, c, e.cfg.Validate)
		if err != nil {
			e.logger.Warn("skipping rule",
				"rule_id", def.RuleID,
				"rule", def.Name,
				"rule_type", def.Type,
				"error", err)
			report.Skipped = append(report.Skipped, SkippedRule{RuleID: def.RuleID, Name: def.Name, Type: def.Type, Err: err})
			continue
		}
		byType[def.Type] = append(byType[def.Type], r)
		report.Loaded++
	}

	snap := &snapshot{loadedAt: time.Now()}
	for rt, rs := range byType {
		snap.collections = append(snap.collections, NewTypeCollection(rt, rs...))
		report.Types = append(report.Types, rt)
	}
	sort.Slice(snap.collections, func(i, j int) bool {
		return snap.collections[i].Type() < snap.collections[j].Type()
	})
	sort.Slice(report.Types, func(i, j int) bool { return report.Types[i] < report.Types[j] })

	e.snapshot.Store(snap)
	report.Duration = time.Since(start)

	e.logger.Info("rules loaded",
		"loaded", report.Loaded,
		"skipped", len(report.Skipped),
		"filtered", report.Filtered,
		"rule_types", len(report.Types),
		"duration", report.Duration)
	return report, nil
}

// Execute runs every loaded rule type against ctx.
func (e *Engine) Execute(ctx *evalctx.Context) (ExecutionSummary, error) {
	return e.execute(ctx, false)
}

// DryRun evaluates conditions and reports the rules that would apply
// without running any actions.
func (e *Engine) DryRun(ctx *evalctx.Context) (ExecutionSummary, error) {
	return e.execute(ctx, true)
}

func (e *Engine) execute(ctx *evalctx.Context, dryRun bool) (ExecutionSummary, error) {
	snap := e.snapshot.Load()
	if snap == nil {
		return ExecutionSummary{}, types.ErrEngineNotLoaded
	}

	start := time.Now()
	summary := ExecutionSummary{ExecutionID: types.NewExecutionID(), DryRun: dryRun}
	for _, c := range snap.collections {
		res := c.Execute(ctx, dryRun)
		summary.RulesApplied = append(summary.RulesApplied, res.RulesApplied...)
		summary.Failures = append(summary.Failures, res.Failures...)
	}
	summary.Decisions = ctx.Decisions()
	summary.Duration = time.Since(start)

	for _, f := range summary.Failures {
		e.logger.Warn("rule actions failed",
			"execution_id", summary.ExecutionID,
			"rule_id", f.Rule.ID,
			"rule", f.Rule.Name,
			"reasons", f.Reasons)
	}

	e.notify(Completion{ApplyTime: e.cfg.ApplyTime, Partition: e.cfg.Partition, Summary: summary})
	return summary, nil
}

// Subscribe registers fn to receive a Completion after every execution.
// fn runs synchronously on the executing goroutine. The returned function
// removes the subscription.
func (e *Engine) Subscribe(fn func(Completion)) (unsubscribe func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

func (e *Engine) notify(c Completion) {
	e.subMu.RLock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Completion), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.subs[id])
	}
	e.subMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Collections returns the loaded collections ordered by rule type, or nil
// before the first Load.
func (e *Engine) Collections() []*TypeCollection {
	snap := e.snapshot.Load()
	if snap == nil {
		return nil
	}
	out := make([]*TypeCollection, len(snap.collections))
	copy(out, snap.collections)
	return out
}

// LoadedAt returns the time of the last successful Load.
func (e *Engine) LoadedAt() time.Time {
	snap := e.snapshot.Load()
	if snap == nil {
		return time.Time{}
	}
	return snap.loadedAt
}
