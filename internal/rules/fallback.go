package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fallback rule names.
const (
	FallbackCTRThreshold      = "FALLBACK_CTR_THRESHOLD"
	FallbackStructuring       = "FALLBACK_STRUCTURING"
	FallbackSanctionedCountry = "FALLBACK_SANCTIONED_COUNTRY"
)

// FallbackTier holds the programmatic rules that run on every pass,
// independent of the rule store.
type FallbackTier struct {
	ctrThreshold         decimal.Decimal
	structuringThreshold decimal.Decimal
	structuringMinCount  int64
	highRisk             map[string]struct{}
}

// NewFallbackTier builds the fallback rules. Zero values take the defaults
// 10,000 / 9,000 / 3 and the default high-risk country set.
func NewFallbackTier(cfg domain.FallbackConfig) *FallbackTier {
	if cfg.CTRThreshold <= 0 {
		cfg.CTRThreshold = 10000
	}
	if cfg.StructuringThreshold <= 0 {
		cfg.StructuringThreshold = 9000
	}
	if cfg.StructuringMinCount <= 0 {
		cfg.StructuringMinCount = 3
	}
	countries := cfg.HighRiskCountries
	if len(countries) == 0 {
		countries = domain.DefaultHighRiskCountries
	}

	t := &FallbackTier{
		ctrThreshold:         decimal.NewFromFloat(cfg.CTRThreshold),
		structuringThreshold: decimal.NewFromFloat(cfg.StructuringThreshold),
		structuringMinCount:  cfg.StructuringMinCount,
		highRisk:             make(map[string]struct{}, len(countries)),
	}
	for _, c := range countries {
		t.highRisk[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}
	return t
}

func (t *FallbackTier) Kind() domain.RuleKind { return domain.RuleKindFallback }

// Evaluate applies the CTR, structuring and sanctioned-country rules in order.
func (t *FallbackTier) Evaluate(ctx context.Context, f *domain.TransactionFact) domain.TierOutcome {
	amount := decimal.NewFromFloat(f.Amount).Round(2)
	fired := 0

	if amount.GreaterThanOrEqual(t.ctrThreshold) {
		fired++
		f.CTRRequired = true
		f.Trigger(FallbackCTRThreshold)
		f.AddReason(fmt.Sprintf("currency transaction report required: amount %s at or above %s",
			amount.StringFixed(2), t.ctrThreshold.StringFixed(2)))
	}

	if amount.GreaterThanOrEqual(t.structuringThreshold) && amount.LessThan(t.ctrThreshold) &&
		f.Velocity.PANCount1h >= t.structuringMinCount {
		fired++
		f.SARRequired = true
		f.Escalate(domain.DecisionHold)
		f.Trigger(FallbackStructuring)
		f.AddReason(fmt.Sprintf("possible structuring: amount %s just below the reporting threshold after %d card transactions in the last hour",
			amount.StringFixed(2), f.Velocity.PANCount1h))
	}

	if _, ok := t.highRisk[strings.ToUpper(f.CountryCode)]; ok && f.CountryCode != "" {
		fired++
		f.SARRequired = true
		f.Escalate(domain.DecisionBlock)
		f.Trigger(FallbackSanctionedCountry)
		f.AddReason("transaction from sanctioned country " + strings.ToUpper(f.CountryCode))
	}

	return domain.OutcomeFromFact(t.Kind(), f, fired, 0)
}
