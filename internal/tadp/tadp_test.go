package tadp

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func outcome(kind domain.RuleKind, d domain.Decision, rules ...string) domain.TierOutcome {
	out := domain.TierOutcome{Kind: kind, Available: true, Decision: d, RulesFired: len(rules)}
	for _, r := range rules {
		out.TriggeredRules = append(out.TriggeredRules, r)
		out.Reasons = append(out.Reasons, r+" matched")
	}
	return out
}

func TestMerge(t *testing.T) {
	t.Run("AllAllow", func(t *testing.T) {
		r := Merge(&DecisionInput{
			TenantID:  "tenant-001",
			TxID:      "tx-001",
			StartTime: time.Now(),
			Outcomes: []domain.TierOutcome{
				outcome(domain.RuleKindExpression, domain.DecisionAllow),
				outcome(domain.RuleKindCompiled, domain.DecisionAllow),
				outcome(domain.RuleKindFallback, domain.DecisionAllow),
			},
		})
		if r.Decision != domain.DecisionAllow {
			t.Errorf("expected ALLOW, got %s", r.Decision)
		}
		if r.TenantID != "tenant-001" || r.TransactionID != "tx-001" {
			t.Errorf("unexpected identifiers %s/%s", r.TenantID, r.TransactionID)
		}
		if r.Reasons == nil || r.TriggeredRules == nil {
			t.Error("expected empty, non-nil slices")
		}
		if GetReasons(r)[0] != "no rules triggered" {
			t.Errorf("unexpected reasons %v", GetReasons(r))
		}
	})

	t.Run("MaxSeverity", func(t *testing.T) {
		r := Merge(&DecisionInput{Outcomes: []domain.TierOutcome{
			outcome(domain.RuleKindExpression, domain.DecisionHold, "A"),
			outcome(domain.RuleKindCompiled, domain.DecisionBlock, "B"),
			outcome(domain.RuleKindFallback, domain.DecisionAllow),
		}})
		if r.Decision != domain.DecisionBlock {
			t.Errorf("expected BLOCK, got %s", r.Decision)
		}
	})

	t.Run("OrderAndDedup", func(t *testing.T) {
		fb := outcome(domain.RuleKindFallback, domain.DecisionHold, "FALLBACK_STRUCTURING")
		fb.SARRequired = true
		cmp := outcome(domain.RuleKindCompiled, domain.DecisionAllow, "SHARED", "C1")
		cmp.CTRRequired = true

		r := Merge(&DecisionInput{Outcomes: []domain.TierOutcome{
			outcome(domain.RuleKindExpression, domain.DecisionAllow, "E1", "SHARED"),
			cmp,
			fb,
		}})

		want := []string{"E1", "SHARED", "C1", "FALLBACK_STRUCTURING"}
		if len(r.TriggeredRules) != len(want) {
			t.Fatalf("expected %v, got %v", want, r.TriggeredRules)
		}
		for i := range want {
			if r.TriggeredRules[i] != want[i] {
				t.Errorf("position %d: expected %s, got %s", i, want[i], r.TriggeredRules[i])
			}
		}
		if len(r.Reasons) != 5 {
			t.Errorf("expected every reason kept, got %v", r.Reasons)
		}
		if !r.SARRequired || !r.CTRRequired {
			t.Error("expected flags ORed across tiers")
		}
		if r.RulesFired != 5 {
			t.Errorf("expected 5 rules fired, got %d", r.RulesFired)
		}
		if r.Decision != domain.DecisionHold {
			t.Errorf("expected HOLD, got %s", r.Decision)
		}
	})

	t.Run("SkipsUnavailable", func(t *testing.T) {
		r := Merge(&DecisionInput{Outcomes: []domain.TierOutcome{
			domain.UnavailableOutcome(domain.RuleKindExpression),
			outcome(domain.RuleKindFallback, domain.DecisionAllow),
		}})
		if len(r.Tiers) != 2 || r.Tiers[0].Available {
			t.Errorf("expected tiers reported as given, got %+v", r.Tiers)
		}
	})

	t.Run("Duration", func(t *testing.T) {
		r := Merge(&DecisionInput{StartTime: time.Now().Add(-5 * time.Millisecond)})
		if r.Duration < 5*time.Millisecond {
			t.Errorf("expected duration from start, got %v", r.Duration)
		}
	})
}
