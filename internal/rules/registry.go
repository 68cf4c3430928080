package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrReloadInProgress is returned when a reload is requested while
	// another one is running.
	ErrReloadInProgress = errors.New("rule reload already in progress")

	// ErrNoRuleStore is returned by Reload when the registry has no store.
	ErrNoRuleStore = errors.New("no rule store configured")

	// ErrInvalidRuleSet is returned when a snapshot fails to compile.
	ErrInvalidRuleSet = errors.New("rule set has diagnostics")
)

// ReloadReport describes the outcome of one reload attempt.
type ReloadReport struct {
	Success         bool          `json:"success"`
	Version         int64         `json:"version"`
	ExpressionRules int           `json:"expressionRules"`
	CompiledRules   int           `json:"compiledRules"`
	Diagnostics     []Diagnostic  `json:"diagnostics,omitempty"`
	Duration        time.Duration `json:"durationNs"`
	Retained        bool          `json:"retained"`
	Error           string        `json:"error,omitempty"`
}

// Status is a point-in-time view of the registry.
type Status struct {
	Version         int64     `json:"version"`
	BuiltAt         time.Time `json:"builtAt,omitzero"`
	ExpressionRules int       `json:"expressionRules"`
	CompiledRules   int       `json:"compiledRules"`
	LastAttempt     time.Time `json:"lastAttempt,omitzero"`
	LastError       string    `json:"lastError,omitempty"`
}

// Registry owns the active CompiledRuleSet. Readers load it lock-free;
// reloads are serialized and swap the pointer only on a clean build.
type Registry struct {
	store    domain.RuleStore
	compiler *Compiler
	logger   *slog.Logger

	active  atomic.Pointer[CompiledRuleSet]
	reload  sync.Mutex
	version atomic.Int64

	mu          sync.RWMutex
	lastAttempt time.Time
	lastErr     string

	onReload func(ReloadReport)
}

// NewRegistry creates a registry with no active set. Until the first
// successful reload the expression and compiled tiers are unavailable.
func NewRegistry(store domain.RuleStore, compiler *Compiler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, compiler: compiler, logger: logger}
}

// OnReload registers a hook called after every reload attempt.
// Must be set before the registry is shared.
func (r *Registry) OnReload(fn func(ReloadReport)) {
	r.onReload = fn
}

// Current returns the active set, or nil if none has been built.
func (r *Registry) Current() *CompiledRuleSet {
	return r.active.Load()
}

// Reload lists the enabled rules from the store and swaps in a freshly built
// set. A failed build leaves the previous set active.
func (r *Registry) Reload(ctx context.Context) (ReloadReport, error) {
	if r.store == nil {
		return ReloadReport{Error: ErrNoRuleStore.Error()}, ErrNoRuleStore
	}
	if !r.reload.TryLock() {
		return ReloadReport{Error: ErrReloadInProgress.Error()}, ErrReloadInProgress
	}
	defer r.reload.Unlock()

	ctx, span := tracer.Start(ctx, "rules.reload")
	defer span.End()

	start := time.Now()
	report, err := r.rebuild(ctx)
	report.Duration = time.Since(start)

	r.mu.Lock()
	r.lastAttempt = start.UTC()
	r.lastErr = report.Error
	r.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("rule reload failed",
			"error", err,
			"retained", report.Retained,
			"version", report.Version,
			"diagnostics", len(report.Diagnostics),
		)
	} else {
		spanVersion(span, r.Current())
		r.logger.Info("rules reloaded",
			"version", report.Version,
			"expression_rules", report.ExpressionRules,
			"compiled_rules", report.CompiledRules,
			"duration_ms", report.Duration.Milliseconds(),
		)
	}
	span.SetAttributes(attribute.Bool("rules.reload.success", report.Success))

	if r.onReload != nil {
		r.onReload(report)
	}
	return report, err
}

func (r *Registry) rebuild(ctx context.Context) (ReloadReport, error) {
	defs, err := r.store.ListEnabledRules(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list rules: %w", err)
		return r.failed(err, nil), err
	}

	set := r.compiler.Build(defs)
	if len(set.Diagnostics) > 0 {
		for _, d := range set.Diagnostics {
			r.logger.Warn("rule rejected", "rule", d.Rule, "error", d.Message)
		}
		err := fmt.Errorf("%w: %s", ErrInvalidRuleSet, joinDiagnostics(set.Diagnostics))
		return r.failed(err, set.Diagnostics), err
	}

	set.Version = r.version.Add(1)
	r.active.Store(set)

	if set.Empty() {
		r.logger.Warn("rule snapshot is empty; expression and compiled tiers unavailable",
			"version", set.Version)
	}

	return ReloadReport{
		Success:         true,
		Version:         set.Version,
		ExpressionRules: len(set.Expressions),
		CompiledRules:   set.Program.Len(),
	}, nil
}

func (r *Registry) failed(err error, diags []Diagnostic) ReloadReport {
	report := ReloadReport{Diagnostics: diags, Error: err.Error()}
	if prev := r.Current(); prev != nil {
		report.Retained = true
		report.Version = prev.Version
	}
	return report
}

// Validate compiles defs without activating them.
func (r *Registry) Validate(defs []*domain.RuleDefinition) []Diagnostic {
	return r.compiler.Build(defs).Diagnostics
}

// Status reports the active set and the last reload attempt.
func (r *Registry) Status() Status {
	var st Status
	if set := r.Current(); set != nil {
		st.Version = set.Version
		st.BuiltAt = set.BuiltAt
		st.ExpressionRules = len(set.Expressions)
		st.CompiledRules = set.Program.Len()
	}
	r.mu.RLock()
	st.LastAttempt = r.lastAttempt
	st.LastError = r.lastErr
	r.mu.RUnlock()
	return st
}

func joinDiagnostics(diags []Diagnostic) string {
	parts := make([]string, len(diags))
	for i, d := range diags {
		parts[i] = d.String()
	}
	return strings.Join(parts, "; ")
}
