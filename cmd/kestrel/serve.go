package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	auditDrainTimeout = 5 * time.Second
	publishTimeout    = 2 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the screening API and, when enabled, the bus worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *domain.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
	)

	s, err := buildStack(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer s.Close()

	// The fallback tier screens even when this fails.
	if _, err := s.screener.ReloadRules(ctx); err != nil {
		slog.Warn("initial rule load failed", "source", cfg.Rules.Source, "error", err)
	}

	if cfg.Rules.Source == domain.RuleSourceFile && cfg.Rules.Watch {
		w, err := rules.NewWatcher(s.registry, cfg.Rules.Path, slog.Default())
		if err != nil {
			return err
		}
		defer w.Close()
		go w.Run(ctx)
		slog.Info("watching rule file", "path", cfg.Rules.Path)
	}
	if cfg.Rules.ReloadInterval > 0 {
		go pollRules(ctx, s, cfg.Rules.ReloadInterval)
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(s.bus, s.screener)
		err := asyncWorker.Start(worker.Config{
			TenantIDs:   cfg.Worker.Tenants,
			WorkerCount: cfg.Worker.Count,
			QueueSize:   cfg.Worker.QueueSize,
		})
		if err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Screener:   s.screener,
		Registry:   s.registry,
		Compiler:   s.compiler,
		Repository: s.repo,
		Cache:      s.cache,
		Bus:        s.bus,
		Audit:      audit.NewReader(s.cache, s.repo),
		Scores:     s.scores,
		Metrics:    s.metrics,
		Version:    Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"worker", cfg.Worker.Enabled,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err = <-errCh:
		slog.Error("server failed", "error", err)
	}

	// Stop intake first so in-flight decisions still reach the audit writer.
	if asyncWorker != nil {
		asyncWorker.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Error("server forced to shutdown", "error", serr)
	}

	slog.Info("kestrel shutdown complete")
	return err
}

// pollRules reloads the active set on a fixed interval.
func pollRules(ctx context.Context, s *stack, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.screener.ReloadRules(ctx); err != nil && !errors.Is(err, rules.ErrReloadInProgress) {
				slog.Warn("periodic rule reload failed", "error", err)
			}
		}
	}
}
