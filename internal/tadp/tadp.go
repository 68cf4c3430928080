// Package tadp implements the Transaction Aggregated Decision Processor.
// TADP merges the outcomes of the rule tiers into one final decision.
package tadp

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TenantID       string
	TxID           string
	Score          float64
	RuleSetVersion int64
	Degraded       bool

	// Outcomes in tier order: expression, compiled, fallback.
	Outcomes  []domain.TierOutcome
	StartTime time.Time
}

// Merge folds tier outcomes into a result. The decision is the most severe
// one reported; reasons and triggered rules keep tier order, with rule names
// de-duplicated on first occurrence.
func Merge(input *DecisionInput) *domain.RuleEvaluationResult {
	result := &domain.RuleEvaluationResult{
		TransactionID:  input.TxID,
		TenantID:       input.TenantID,
		Decision:       domain.DecisionAllow,
		Score:          input.Score,
		Reasons:        []string{},
		TriggeredRules: []string{},
		RuleSetVersion: input.RuleSetVersion,
		Degraded:       input.Degraded,
		Tiers:          input.Outcomes,
	}

	seen := make(map[string]struct{})
	for _, out := range input.Outcomes {
		if !out.Available {
			continue
		}
		result.Decision = result.Decision.Max(out.Decision)
		result.Reasons = append(result.Reasons, out.Reasons...)
		for _, name := range out.TriggeredRules {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			result.TriggeredRules = append(result.TriggeredRules, name)
		}
		result.SARRequired = result.SARRequired || out.SARRequired
		result.CTRRequired = result.CTRRequired || out.CTRRequired
		result.RulesFired += out.RulesFired
	}

	now := time.Now()
	result.EvaluatedAt = now.UTC()
	if !input.StartTime.IsZero() {
		result.Duration = now.Sub(input.StartTime)
	}
	return result
}

// GetReasons returns human-readable reasons for a result, or a single
// "no rules triggered" line.
func GetReasons(r *domain.RuleEvaluationResult) []string {
	if len(r.Reasons) == 0 {
		return []string{"no rules triggered"}
	}
	return r.Reasons
}
