package rules

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-rules")

// Tier is one rule-evaluation strategy. Evaluate mutates the fact it is
// given, so callers pass each tier its own clone.
type Tier interface {
	Kind() domain.RuleKind
	Evaluate(ctx context.Context, fact *domain.TransactionFact) domain.TierOutcome
}

// ExpressionTier evaluates a set's expression rules.
type ExpressionTier struct {
	exec *ExpressionExecutor
	set  *CompiledRuleSet
}

// NewExpressionTier binds the executor to one rule set.
func NewExpressionTier(exec *ExpressionExecutor, set *CompiledRuleSet) *ExpressionTier {
	return &ExpressionTier{exec: exec, set: set}
}

func (t *ExpressionTier) Kind() domain.RuleKind { return domain.RuleKindExpression }

func (t *ExpressionTier) Evaluate(ctx context.Context, fact *domain.TransactionFact) domain.TierOutcome {
	if t.set == nil || len(t.set.Expressions) == 0 {
		return domain.UnavailableOutcome(t.Kind())
	}
	ctx, span := tracer.Start(ctx, "rules.expression")
	defer span.End()
	spanVersion(span, t.set)

	fired, errs := t.exec.EvaluateTier(ctx, t.set.Expressions, fact)
	span.SetAttributes(attribute.Int("rules.fired", fired), attribute.Int("rules.errors", errs))
	return domain.OutcomeFromFact(t.Kind(), fact, fired, errs)
}

// CompiledTier runs a set's compiled program.
type CompiledTier struct {
	engine *SessionEngine
	set    *CompiledRuleSet
}

// NewCompiledTier binds the session engine to one rule set.
func NewCompiledTier(engine *SessionEngine, set *CompiledRuleSet) *CompiledTier {
	return &CompiledTier{engine: engine, set: set}
}

func (t *CompiledTier) Kind() domain.RuleKind { return domain.RuleKindCompiled }

func (t *CompiledTier) Evaluate(ctx context.Context, fact *domain.TransactionFact) domain.TierOutcome {
	if t.set == nil || t.set.Program.Len() == 0 {
		return domain.UnavailableOutcome(t.Kind())
	}
	_, span := tracer.Start(ctx, "rules.compiled")
	defer span.End()
	spanVersion(span, t.set)

	fired, errs := t.engine.run(t.set, fact)
	span.SetAttributes(attribute.Int("rules.fired", fired), attribute.Int("rules.errors", errs))
	return domain.OutcomeFromFact(t.Kind(), fact, fired, errs)
}

// spanVersion tags a span with the rule set version.
func spanVersion(span trace.Span, set *CompiledRuleSet) {
	if set != nil {
		span.SetAttributes(attribute.Int64("rules.version", set.Version))
	}
}
