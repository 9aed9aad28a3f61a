package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/solatis/serverrules/internal/actions"
	"github.com/solatis/serverrules/internal/types"
)

// Observer receives engine lifecycle events from a Manager.
type Observer interface {
	ObserveLoad(cfg Config, report LoadReport, err error)
	ObserveExecution(c Completion)
}

// EngineReport is the result of reloading one engine.
type EngineReport struct {
	ApplyTime types.ApplyTime
	Partition types.PartitionKey
	Report    LoadReport
	Err       error
}

type engineKey struct {
	applyTime types.ApplyTime
	partition types.PartitionKey
}

type entry struct {
	done   chan struct{}
	engine *Engine
	err    error
}

// Manager owns one engine per (apply time, partition). Engines are created
// and loaded on first use and share the base filter configuration.
type Manager struct {
	base      Config
	source    Source
	registry  *actions.Registry
	logger    *slog.Logger
	observers []Observer

	mu      sync.Mutex
	engines map[engineKey]*entry
}

// NewManager creates a manager. base.ApplyTime and base.Partition are
// ignored; each engine gets its own.
func NewManager(base Config, source Source, registry *actions.Registry, logger *slog.Logger, observers ...Observer) (*Manager, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		base:      base,
		source:    source,
		registry:  registry,
		logger:    logger,
		observers: observers,
		engines:   make(map[engineKey]*entry),
	}, nil
}

// Engine returns the loaded engine for the apply time and partition,
// creating it on first use. Concurrent first calls for the same key share
// one load. A failed initial load is not cached.
func (m *Manager) Engine(ctx context.Context, applyTime types.ApplyTime, partition types.PartitionKey) (*Engine, error) {
	key := engineKey{applyTime: applyTime, partition: partition}

	m.mu.Lock()
	ent, ok := m.engines[key]
	if !ok {
		ent = &entry{done: make(chan struct{})}
		m.engines[key] = ent
		m.mu.Unlock()

		ent.engine, ent.err = m.create(ctx, key)
		if ent.err != nil {
			m.mu.Lock()
			delete(m.engines, key)
			m.mu.Unlock()
		}
		close(ent.done)
		return ent.engine, ent.err
	}
	m.mu.Unlock()

	select {
	case <-ent.done:
		return ent.engine, ent.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) create(ctx context.Context, key engineKey) (*Engine, error) {
	cfg := m.base
	cfg.ApplyTime = key.applyTime
	cfg.Partition = key.partition

	e, err := NewEngine(cfg, m.source, m.registry, m.logger)
	if err != nil {
		return nil, err
	}
	for _, o := range m.observers {
		e.Subscribe(o.ObserveExecution)
	}

	report, err := e.Load(ctx)
	m.observeLoad(cfg, report, err)
	if err != nil {
		return nil, fmt.Errorf("load engine %s/%s: %w", key.applyTime, key.partition, err)
	}
	return e, nil
}

func (m *Manager) observeLoad(cfg Config, report LoadReport, err error) {
	for _, o := range m.observers {
		o.ObserveLoad(cfg, report, err)
	}
}

// Engines returns every loaded engine ordered by apply time, then partition.
func (m *Manager) Engines() []*Engine {
	m.mu.Lock()
	var out []*Engine
	for _, ent := range m.engines {
		select {
		case <-ent.done:
			if ent.err == nil {
				out = append(out, ent.engine)
			}
		default:
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Config(), out[j].Config()
		if a.ApplyTime != b.ApplyTime {
			return a.ApplyTime < b.ApplyTime
		}
		return a.Partition < b.Partition
	})
	return out
}

// ReloadAll reloads every loaded engine. An engine whose source fails keeps
// its previous rules; the failures are joined in the returned error.
func (m *Manager) ReloadAll(ctx context.Context) ([]EngineReport, error) {
	return m.reload(ctx, m.Engines())
}

// ReloadPartition reloads the loaded engines serving partition, leaving the
// other partitions' engines alone.
func (m *Manager) ReloadPartition(ctx context.Context, partition types.PartitionKey) ([]EngineReport, error) {
	var engines []*Engine
	for _, e := range m.Engines() {
		if e.Config().Partition == partition {
			engines = append(engines, e)
		}
	}
	return m.reload(ctx, engines)
}

func (m *Manager) reload(ctx context.Context, engines []*Engine) ([]EngineReport, error) {
	var reports []EngineReport
	var errs []error
	for _, e := range engines {
		cfg := e.Config()
		report, err := e.Load(ctx)
		m.observeLoad(cfg, report, err)
		if err != nil {
			m.logger.Error("reload failed",
				"apply_time", cfg.ApplyTime,
				"partition", cfg.Partition,
				"error", err)
			errs = append(errs, fmt.Errorf("reload %s/%s: %w", cfg.ApplyTime, cfg.Partition, err))
		}
		reports = append(reports, EngineReport{
			ApplyTime: cfg.ApplyTime,
			Partition: cfg.Partition,
			Report:    report,
			Err:       err,
		})
	}
	return reports, errors.Join(errs...)
}
