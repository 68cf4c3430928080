package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/screening"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// stack is every component a screening process runs on.
type stack struct {
	cfg *domain.Config

	repo     *repository.SQLRepository
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Collector
	compiler *rules.Compiler
	registry *rules.Registry
	scores   *scoring.CacheProvider
	audit    *audit.Writer
	screener *screening.Screener

	closers []func()
}

// buildStack connects the stores and assembles the screener. The bus is only
// connected when withBus is set.
func buildStack(ctx context.Context, cfg *domain.Config, withBus bool) (_ *stack, err error) {
	s := &stack{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	s.onClose(func() { s.repo.Close() })
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	s.cache, err = cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	s.onClose(func() { s.cache.Close() })
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	if withBus {
		s.bus, err = bus.New(cfg.EventBus)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event bus: %w", err)
		}
		s.onClose(func() { s.bus.Close() })
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewCollector()
	}

	exec, err := rules.NewExpressionExecutor(slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize expression executor: %w", err)
	}
	s.compiler = rules.NewCompiler(exec)

	var store domain.RuleStore = s.repo
	if cfg.Rules.Source == domain.RuleSourceFile {
		store = rules.NewFileStore(cfg.Rules.Path)
	}
	s.registry = rules.NewRegistry(store, s.compiler, slog.Default())
	s.registry.OnReload(s.reloaded)

	history := velocity.NewService(s.repo, s.cache, cfg.Engine.HighValueThreshold)

	var graphProvider domain.GraphProvider
	if cfg.Graph.Enabled {
		neo, err := graph.NewNeo4jProvider(ctx, cfg.Graph)
		if err != nil {
			// Graph metrics are optional; rules see zero values without them.
			slog.Warn("graph provider unavailable", "uri", cfg.Graph.URI, "error", err)
		} else {
			graphProvider = neo
			s.onClose(func() { neo.Close(context.Background()) })
			slog.Info("graph provider initialized", "uri", cfg.Graph.URI)
		}
	}

	if cfg.Scoring.Enabled {
		s.scores = scoring.NewCacheProvider(s.cache)
	}

	sinks := []audit.Sink{audit.NewCacheSink(s.cache, cfg.Audit.TTL)}
	if cfg.Audit.Persist {
		sinks = append(sinks, audit.NewRepositorySink(s.repo))
	}
	if cfg.Audit.ElasticURL != "" {
		es, err := audit.NewElasticSink(cfg.Audit.ElasticURL, cfg.Audit.ElasticIndex)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, es)
	}
	s.audit = audit.NewWriter(cfg.Audit, s.metrics, sinks...)
	s.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), auditDrainTimeout)
		defer cancel()
		if err := s.audit.Close(ctx); err != nil {
			slog.Warn("audit queue not drained", "error", err)
		}
	})
	slog.Info("audit writer initialized", "sinks", len(sinks))

	deps := screening.Deps{
		Registry: s.registry,
		Executor: exec,
		History:  history,
		Audit:    s.audit,
		Metrics:  s.metrics,
	}
	if s.scores != nil {
		deps.Scores = s.scores
	}
	if graphProvider != nil {
		deps.Graph = graphProvider
	}
	s.screener = screening.New(cfg.Engine, cfg.Scoring, deps)
	s.onClose(s.screener.Close)

	return s, nil
}

// reloaded records a reload attempt and announces successful ones.
func (s *stack) reloaded(report rules.ReloadReport) {
	s.metrics.ObserveReload(report)
	if !report.Success || s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := bus.PublishJSON(ctx, s.bus, worker.GlobalTenant, domain.TopicRulesReloaded, report); err != nil {
		slog.Warn("failed to announce rule reload", "version", report.Version, "error", err)
	}
}

func (s *stack) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close releases components in reverse order of creation.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
