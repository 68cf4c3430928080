// Package screening runs the per-transaction evaluation pass: feature
// extraction, the three rule tiers and the merge into one decision.
package screening

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pool"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tadp"
)

var tracer = otel.Tracer("kestrel-screening")

// ReasonDeadlineExceeded is added to results produced after the pass timed out.
const ReasonDeadlineExceeded = "evaluation deadline exceeded"

// Pass stages, logged at debug.
const (
	StageStart             = "START"
	StageFeaturesExtracted = "FEATURES_EXTRACTED"
	StageRulesEvaluated    = "RULES_EVALUATED"
	StageMerged            = "MERGED"
	StageResultEmitted     = "RESULT_EMITTED"
)

// Request is one transaction to screen. MLScore is used as-is when set;
// otherwise the score provider is asked.
type Request struct {
	Transaction *domain.Transaction
	MLScore     *float64
}

// History is the aggregate source plus the write side used after a decision.
type History interface {
	domain.AggregateProvider
	Record(ctx context.Context, tx *domain.Transaction) error
	HotVelocity(ctx context.Context, tenantID, panHash string) domain.Velocity
}

// AuditWriter receives every final result.
type AuditWriter interface {
	Write(r *domain.RuleEvaluationResult)
}

// Deps are the collaborators of a Screener. Only Registry and Executor are
// required; every other dependency degrades to defaults when nil.
type Deps struct {
	Registry *rules.Registry
	Executor *rules.ExpressionExecutor
	History  History
	Scores   domain.ScoreProvider
	Graph    domain.GraphProvider
	Audit    AuditWriter
	Metrics  *metrics.Collector
}

// Screener orchestrates evaluation passes.
type Screener struct {
	cfg          domain.EngineConfig
	defaultScore float64

	registry *rules.Registry
	exec     *rules.ExpressionExecutor
	sessions *rules.SessionEngine
	fallback *rules.FallbackTier

	history   History
	extractor *features.Extractor
	scores    domain.ScoreProvider
	graph     domain.GraphProvider
	audit     AuditWriter
	metrics   *metrics.Collector

	extractionPool *pool.Pool
	scoringPool    *pool.Pool
	evaluationPool *pool.Pool

	logger *slog.Logger
}

// New creates a Screener and starts its three worker pools.
func New(cfg domain.EngineConfig, scoring domain.ScoringConfig, deps Deps) *Screener {
	if cfg.EvaluationTimeout <= 0 {
		cfg.EvaluationTimeout = 250 * time.Millisecond
	}
	if cfg.AggregateTimeout <= 0 {
		cfg.AggregateTimeout = 50 * time.Millisecond
	}

	s := &Screener{
		cfg:            cfg,
		defaultScore:   scoring.Default,
		registry:       deps.Registry,
		exec:           deps.Executor,
		sessions:       rules.NewSessionEngine(slog.Default()),
		fallback:       rules.NewFallbackTier(cfg.Fallback),
		history:        deps.History,
		scores:         deps.Scores,
		graph:          deps.Graph,
		audit:          deps.Audit,
		metrics:        deps.Metrics,
		extractionPool: pool.New("extraction", cfg.ExtractionWorkers, cfg.ExtractionQueue),
		scoringPool:    pool.New("scoring", cfg.ScoringWorkers, cfg.ScoringQueue),
		evaluationPool: pool.New("evaluation", cfg.EvaluationWorkers, cfg.EvaluationQueue),
		logger:         slog.Default(),
	}
	if !scoring.Enabled {
		s.scores = nil
	}

	var aggregates domain.AggregateProvider
	if deps.History != nil {
		aggregates = deps.History
	}
	s.extractor = features.NewExtractor(aggregates, s.extractionPool, cfg.AggregateTimeout)

	for _, p := range s.Pools() {
		s.metrics.RegisterPool(p)
	}
	return s
}

// Pools returns the extraction, scoring and evaluation pools.
func (s *Screener) Pools() []*pool.Pool {
	return []*pool.Pool{s.extractionPool, s.scoringPool, s.evaluationPool}
}

// Close stops the worker pools.
func (s *Screener) Close() {
	for _, p := range s.Pools() {
		p.Close()
	}
}

// ReloadRules rebuilds the active rule set from the rule store.
func (s *Screener) ReloadRules(ctx context.Context) (rules.ReloadReport, error) {
	if s.registry == nil {
		return rules.ReloadReport{}, rules.ErrNoRuleStore
	}
	return s.registry.Reload(ctx)
}

// Evaluate screens one transaction. It always returns a result: when the pass
// misses engine.evaluationTimeout a fallback-only, HOLD-biased result is
// returned instead.
func (s *Screener) Evaluate(ctx context.Context, req Request) *domain.RuleEvaluationResult {
	start := time.Now()
	tx := req.Transaction
	if tx == nil {
		tx = &domain.Transaction{}
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = start.UTC()
	}

	ctx, span := tracer.Start(ctx, "screening.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.String("tenant.id", tx.Tenant()),
	)

	// Pinned for the whole pass, including the timeout path.
	set := s.currentSet()

	result, late := s.run(ctx,
		func(passCtx context.Context) *domain.RuleEvaluationResult {
			return s.pass(passCtx, tx, req.MLScore, set, start)
		},
		func() *domain.RuleEvaluationResult {
			return s.deadlineResult(ctx, tx, nil, req.MLScore, set, start)
		},
	)
	if late {
		span.SetStatus(codes.Error, ReasonDeadlineExceeded)
	}

	s.record(ctx, tx)
	s.finish(result)
	span.SetAttributes(
		attribute.String("decision", string(result.Decision)),
		attribute.Bool("degraded", result.Degraded),
		attribute.Int64("rules.version", result.RuleSetVersion),
	)
	return result
}

// EvaluateFeatures runs the rule tiers over a caller-supplied feature set.
// The transaction identity is read from the identity features and the
// aggregates from the velocity features; nothing is recorded to history.
// It shares the evaluation pool and deadline of Evaluate.
func (s *Screener) EvaluateFeatures(ctx context.Context, txID string, f domain.Features, mlScore *float64) *domain.RuleEvaluationResult {
	start := time.Now()
	// A late pass may still read the set after this returns.
	f = f.Clone()
	if txID == "" {
		txID = uuid.New().String()
	}
	tx := features.TransactionFromFeatures(txID, f, start.UTC())

	ctx, span := tracer.Start(ctx, "screening.EvaluateFeatures")
	defer span.End()
	span.SetAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.String("tenant.id", tx.Tenant()),
	)

	set := s.currentSet()

	result, late := s.run(ctx,
		func(passCtx context.Context) *domain.RuleEvaluationResult {
			s.stage(tx, StageStart)
			fact := domain.NewTransactionFact(tx, f, velocityFromFeatures(f), s.resolveScore(tx, mlScore), domain.GraphMetrics{})
			return s.decide(passCtx, fact, set, start)
		},
		func() *domain.RuleEvaluationResult {
			return s.deadlineResult(ctx, tx, f, mlScore, set, start)
		},
	)
	if late {
		span.SetStatus(codes.Error, ReasonDeadlineExceeded)
	}

	s.finish(result)
	span.SetAttributes(
		attribute.String("decision", string(result.Decision)),
		attribute.Bool("degraded", result.Degraded),
	)
	return result
}

// run executes work on the evaluation pool under engine.evaluationTimeout.
// When the deadline passes first, late supplies the result and the second
// return value is true.
func (s *Screener) run(ctx context.Context, work func(context.Context) *domain.RuleEvaluationResult, late func() *domain.RuleEvaluationResult) (*domain.RuleEvaluationResult, bool) {
	passCtx, cancel := context.WithTimeout(ctx, s.cfg.EvaluationTimeout)
	defer cancel()

	done := make(chan *domain.RuleEvaluationResult, 1)
	s.evaluationPool.Submit(func() {
		done <- work(passCtx)
	})

	select {
	case result := <-done:
		return result, false
	case <-passCtx.Done():
		select {
		case result := <-done:
			return result, false
		default:
			return late(), true
		}
	}
}

func (s *Screener) currentSet() *rules.CompiledRuleSet {
	if s.registry == nil {
		return nil
	}
	return s.registry.Current()
}

// pass is the full evaluation of one transaction. It runs on the
// evaluation pool and honours ctx in every lookup.
func (s *Screener) pass(ctx context.Context, tx *domain.Transaction, mlScore *float64, set *rules.CompiledRuleSet, start time.Time) *domain.RuleEvaluationResult {
	s.stage(tx, StageStart)

	score := s.resolveScore(tx, mlScore)
	var graph domain.GraphMetrics
	var wg sync.WaitGroup
	if mlScore == nil && s.scores != nil {
		wg.Add(1)
		s.scoringPool.Submit(func() {
			defer wg.Done()
			if v, ok := s.lookupScore(ctx, tx); ok {
				score = v
			}
		})
	}
	if s.graph != nil && tx.PANHash != "" {
		wg.Add(1)
		s.scoringPool.Submit(func() {
			defer wg.Done()
			graph = s.lookupGraph(ctx, tx)
		})
	}

	feats, vel := s.extractor.Extract(ctx, tx)
	wg.Wait()
	s.stage(tx, StageFeaturesExtracted)

	fact := domain.NewTransactionFact(tx, feats, vel, score, graph)
	return s.decide(ctx, fact, set, start)
}

// decide runs each tier on its own clone of fact and merges the outcomes.
func (s *Screener) decide(ctx context.Context, fact *domain.TransactionFact, set *rules.CompiledRuleSet, start time.Time) *domain.RuleEvaluationResult {
	tiers := []rules.Tier{
		rules.NewExpressionTier(s.exec, set),
		rules.NewCompiledTier(s.sessions, set),
		s.fallback,
	}
	outcomes := make([]domain.TierOutcome, 0, len(tiers))
	for _, tier := range tiers {
		outcomes = append(outcomes, tier.Evaluate(ctx, fact.Clone()))
	}
	s.logger.Debug("pass stage",
		"stage", StageRulesEvaluated,
		"tx_id", fact.TransactionID,
		"tenant_id", fact.TenantID,
	)

	result := tadp.Merge(&tadp.DecisionInput{
		TenantID:       fact.TenantID,
		TxID:           fact.TransactionID,
		Score:          fact.MLScore,
		RuleSetVersion: setVersion(set),
		Outcomes:       outcomes,
		StartTime:      start,
	})
	s.logger.Debug("pass stage",
		"stage", StageMerged,
		"tx_id", result.TransactionID,
		"tenant_id", result.TenantID,
		"decision", result.Decision,
	)
	return result
}

// deadlineResult is returned when the pass did not finish in time. Only the
// fallback tier runs. Without supplied features it reads transaction-level
// features and the hot counters.
func (s *Screener) deadlineResult(ctx context.Context, tx *domain.Transaction, supplied domain.Features, mlScore *float64, set *rules.CompiledRuleSet, start time.Time) *domain.RuleEvaluationResult {
	hotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AggregateTimeout)
	defer cancel()

	var feats domain.Features
	var vel domain.Velocity
	switch {
	case supplied != nil:
		feats = supplied.Clone()
		vel = velocityFromFeatures(supplied)
	default:
		feats = features.TransactionFeatures(tx)
		if s.history != nil {
			vel = s.history.HotVelocity(hotCtx, tx.Tenant(), tx.PANHash)
		}
	}
	score := s.resolveScore(tx, mlScore)

	fact := domain.NewTransactionFact(tx, feats, vel, score, domain.GraphMetrics{})
	fb := s.fallback.Evaluate(hotCtx, fact.Clone())

	result := tadp.Merge(&tadp.DecisionInput{
		TenantID:       fact.TenantID,
		TxID:           fact.TransactionID,
		Score:          score,
		RuleSetVersion: setVersion(set),
		Degraded:       true,
		Outcomes: []domain.TierOutcome{
			domain.UnavailableOutcome(domain.RuleKindExpression),
			domain.UnavailableOutcome(domain.RuleKindCompiled),
			fb,
		},
		StartTime: start,
	})
	result.Decision = result.Decision.Max(domain.DecisionHold)
	result.Reasons = append(result.Reasons, ReasonDeadlineExceeded)

	s.logger.Warn("evaluation deadline exceeded",
		"tx_id", tx.ID,
		"tenant_id", tx.Tenant(),
		"timeout_ms", s.cfg.EvaluationTimeout.Milliseconds(),
	)
	return result
}

// record stores the screened transaction for later aggregates.
func (s *Screener) record(ctx context.Context, tx *domain.Transaction) {
	if !s.cfg.RecordHistory || s.history == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.EvaluationTimeout)
	defer cancel()
	if err := s.history.Record(rctx, tx); err != nil {
		s.logger.Warn("failed to record transaction history",
			"tx_id", tx.ID,
			"tenant_id", tx.Tenant(),
			"error", err,
		)
	}
}

// finish audits and counts the result.
func (s *Screener) finish(result *domain.RuleEvaluationResult) {
	s.metrics.ObserveEvaluation(result)
	if s.audit != nil {
		s.audit.Write(result)
	}
	s.logger.Debug("pass stage",
		"stage", StageResultEmitted,
		"tx_id", result.TransactionID,
		"tenant_id", result.TenantID,
		"decision", result.Decision,
		"degraded", result.Degraded,
		"duration_ms", result.Duration.Milliseconds(),
	)
}

// resolveScore returns the caller's score on [0,1], or the configured
// default when none was given or it is out of range.
func (s *Screener) resolveScore(tx *domain.Transaction, mlScore *float64) float64 {
	if mlScore == nil {
		return s.defaultScore
	}
	v, err := domain.NormalizeScore(*mlScore)
	if err != nil {
		s.logger.Warn("ignoring ml score", "tx_id", tx.ID, "error", err)
		return s.defaultScore
	}
	return v
}

func (s *Screener) lookupScore(ctx context.Context, tx *domain.Transaction) (float64, bool) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.AggregateTimeout)
	defer cancel()
	v, ok, err := s.scores.Score(lctx, tx.Tenant(), tx.ID)
	if err != nil {
		s.logger.Debug("ml score lookup failed", "tx_id", tx.ID, "error", err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	v, err = domain.NormalizeScore(v)
	if err != nil {
		s.logger.Debug("ml score lookup failed", "tx_id", tx.ID, "error", err)
		return 0, false
	}
	return v, true
}

func (s *Screener) lookupGraph(ctx context.Context, tx *domain.Transaction) domain.GraphMetrics {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.AggregateTimeout)
	defer cancel()
	m, err := s.graph.Metrics(lctx, tx.Tenant(), tx.PANHash)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Debug("graph lookup failed", "tx_id", tx.ID, "error", err)
		}
		return domain.GraphMetrics{}
	}
	return m
}

func (s *Screener) stage(tx *domain.Transaction, stage string) {
	s.logger.Debug("pass stage",
		"stage", stage,
		"tx_id", tx.ID,
		"tenant_id", tx.Tenant(),
	)
}

func setVersion(set *rules.CompiledRuleSet) int64 {
	if set == nil {
		return 0
	}
	return set.Version
}

// velocityFromFeatures rebuilds the aggregates the fallback tier reads from
// a precomputed feature set.
func velocityFromFeatures(f domain.Features) domain.Velocity {
	return domain.Velocity{
		PANCount1h:       f.Int(domain.FeaturePANCount1h),
		PANCount7d:       f.Int(domain.FeaturePANCount7d),
		PANCount30d:      f.Int(domain.FeaturePANCount30d),
		PANSum1h:         f.Float(domain.FeaturePANSum1h),
		PANSum7d:         f.Float(domain.FeaturePANSum7d),
		PANSum30d:        f.Float(domain.FeaturePANSum30d),
		MerchantCount1h:  f.Int(domain.FeatureMerchantCount1h),
		MerchantCount24h: f.Int(domain.FeatureMerchantCount24h),
		MerchantSum1h:    f.Float(domain.FeatureMerchantSum1h),
		MerchantSum24h:   f.Float(domain.FeatureMerchantSum24h),
	}
}
