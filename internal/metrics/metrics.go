// Package metrics exposes the engine's Prometheus metrics on a private
// registry. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pool"
	"github.com/opensource-finance/kestrel/internal/rules"
)

type Collector struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	degraded           prometheus.Counter
	ruleErrors         *prometheus.CounterVec
	reloads            *prometheus.CounterVec
	ruleSetVersion     prometheus.Gauge
	auditDropped       prometheus.Counter
	auditFailures      *prometheus.CounterVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_evaluations_total",
			Help: "Screened transactions by final decision",
		}, []string{"decision"}),
		evaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_evaluation_duration_seconds",
			Help:    "Time from pass start to merged decision",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		degraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_evaluations_degraded_total",
			Help: "Passes that hit the evaluation deadline",
		}),
		ruleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_rule_errors_total",
			Help: "Rules skipped because they failed to evaluate",
		}, []string{"tier"}),
		reloads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_rule_reloads_total",
			Help: "Rule reload attempts by result",
		}, []string{"result"}),
		ruleSetVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_rule_set_version",
			Help: "Version of the active rule set",
		}),
		auditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_audit_dropped_total",
			Help: "Audit records dropped because the queue was full",
		}),
		auditFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_audit_write_failures_total",
			Help: "Audit sink write failures",
		}, []string{"sink"}),
	}
}

// ObserveEvaluation records one screening result.
func (c *Collector) ObserveEvaluation(r *domain.RuleEvaluationResult) {
	if c == nil || r == nil {
		return
	}
	c.evaluations.WithLabelValues(string(r.Decision)).Inc()
	c.evaluationDuration.Observe(r.Duration.Seconds())
	if r.Degraded {
		c.degraded.Inc()
	}
	for _, tier := range r.Tiers {
		if tier.Errors > 0 {
			c.ruleErrors.WithLabelValues(string(tier.Kind)).Add(float64(tier.Errors))
		}
	}
}

// ObserveReload records a reload attempt. Suitable for Registry.OnReload.
func (c *Collector) ObserveReload(report rules.ReloadReport) {
	if c == nil {
		return
	}
	result := "success"
	if !report.Success {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
	c.ruleSetVersion.Set(float64(report.Version))
}

// AuditDropped counts a record the audit queue had no room for.
func (c *Collector) AuditDropped() {
	if c == nil {
		return
	}
	c.auditDropped.Inc()
}

// AuditWriteFailed counts a failed write to one sink.
func (c *Collector) AuditWriteFailed(sink string) {
	if c == nil {
		return
	}
	c.auditFailures.WithLabelValues(sink).Inc()
}

// RegisterPool exports a pool's queue depth and caller-run count.
func (c *Collector) RegisterPool(p *pool.Pool) {
	if c == nil || p == nil {
		return
	}
	labels := prometheus.Labels{"pool": p.Stats().Name}
	factory := promauto.With(c.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "kestrel_pool_queued",
		Help:        "Tasks waiting in a worker pool",
		ConstLabels: labels,
	}, func() float64 { return float64(p.Stats().Queued) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name:        "kestrel_pool_caller_runs_total",
		Help:        "Tasks run on the submitting goroutine because the pool was saturated",
		ConstLabels: labels,
	}, func() float64 { return float64(p.Stats().CallerRuns) })
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
