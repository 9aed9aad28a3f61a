// Package metrics exposes rules engine activity as Prometheus metrics.
//
// Metrics:
//   - serverrules_rules_loaded: rules in the current snapshot, by engine
//   - serverrules_rules_skipped: rules that failed to compile in the last load
//   - serverrules_loads_total: engine loads by result
//   - serverrules_load_duration_seconds: engine load duration
//   - serverrules_executions_total: executions by mode and outcome
//   - serverrules_execution_duration_seconds: execution duration
//   - serverrules_rules_applied_total: rules whose condition held, by rule type
//   - serverrules_action_failures_total: rules whose actions failed, by rule type
//   - serverrules_decisions_total: decisions recorded by action units, by kind
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solatis/serverrules/internal/rules"
)

const namespace = "serverrules"

// Collector records engine events. It implements rules.Observer.
type Collector struct {
	registry *prometheus.Registry

	rulesLoaded       *prometheus.GaugeVec
	rulesSkipped      *prometheus.GaugeVec
	loadsTotal        *prometheus.CounterVec
	loadDuration      *prometheus.HistogramVec
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	rulesApplied      *prometheus.CounterVec
	actionFailures    *prometheus.CounterVec
	decisions         *prometheus.CounterVec
}

var _ rules.Observer = (*Collector)(nil)

// NewCollector creates a collector with its own registry. Go runtime and
// process metrics are registered alongside the engine metrics.
func NewCollector() *Collector {
	engineLabels := []string{"apply_time", "partition"}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		rulesLoaded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_loaded",
			Help:      "Number of rules in the current engine snapshot",
		}, engineLabels),
		rulesSkipped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_skipped",
			Help:      "Number of rules that failed to compile in the last load",
		}, engineLabels),
		loadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Total number of engine loads",
		}, append(engineLabels, "result")),
		loadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Duration of engine loads in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to 8s
		}, engineLabels),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of engine executions",
		}, append(engineLabels, "mode", "outcome")),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of engine executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to 330ms
		}, []string{"apply_time"}),
		rulesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_applied_total",
			Help:      "Total number of rules whose condition held",
		}, []string{"rule_type"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_failures_total",
			Help:      "Total number of applied rules with at least one failed action",
		}, []string{"rule_type"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of decisions recorded by action units",
		}, []string{"kind"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.rulesLoaded,
		c.rulesSkipped,
		c.loadsTotal,
		c.loadDuration,
		c.executionsTotal,
		c.executionDuration,
		c.rulesApplied,
		c.actionFailures,
		c.decisions,
	)
	return c
}

// ObserveLoad records the outcome of one engine load. A failed load leaves
// the gauges at their previous values since the engine keeps its snapshot.
func (c *Collector) ObserveLoad(cfg rules.Config, report rules.LoadReport, err error) {
	at, p := string(cfg.ApplyTime), string(cfg.Partition)
	if err != nil {
		c.loadsTotal.WithLabelValues(at, p, "error").Inc()
		return
	}
	c.loadsTotal.WithLabelValues(at, p, "ok").Inc()
	c.loadDuration.WithLabelValues(at, p).Observe(report.Duration.Seconds())
	c.rulesLoaded.WithLabelValues(at, p).Set(float64(report.Loaded))
	c.rulesSkipped.WithLabelValues(at, p).Set(float64(len(report.Skipped)))
}

// ObserveExecution records one completed execution.
func (c *Collector) ObserveExecution(comp rules.Completion) {
	s := comp.Summary
	mode := "execute"
	if s.DryRun {
		mode = "dry_run"
	}
	outcome := "success"
	if !s.Success() {
		outcome = "failure"
	}

	c.executionsTotal.WithLabelValues(string(comp.ApplyTime), string(comp.Partition), mode, outcome).Inc()
	c.executionDuration.WithLabelValues(string(comp.ApplyTime)).Observe(s.Duration.Seconds())
	for _, r := range s.RulesApplied {
		c.rulesApplied.WithLabelValues(string(r.Type)).Inc()
	}
	for _, f := range s.Failures {
		c.actionFailures.WithLabelValues(string(f.Rule.Type)).Inc()
	}
	for _, d := range s.Decisions {
		c.decisions.WithLabelValues(d.Kind).Inc()
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the metrics in Prometheus format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
