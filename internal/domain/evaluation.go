package domain

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// TierOutcome is what one rule tier contributed to a pass.
type TierOutcome struct {
	Kind           RuleKind `json:"kind"`
	Available      bool     `json:"available"`
	Decision       Decision `json:"decision"`
	Reasons        []string `json:"reasons,omitempty"`
	TriggeredRules []string `json:"triggeredRules,omitempty"`
	SARRequired    bool     `json:"sarRequired"`
	CTRRequired    bool     `json:"ctrRequired"`
	RulesFired     int      `json:"rulesFired"`
	Errors         int      `json:"errors,omitempty"`
}

// OutcomeFromFact captures the state a tier left on its fact clone.
func OutcomeFromFact(kind RuleKind, f *TransactionFact, fired, errs int) TierOutcome {
	return TierOutcome{
		Kind:           kind,
		Available:      true,
		Decision:       f.Decision,
		Reasons:        slices.Clone(f.Reasons),
		TriggeredRules: slices.Clone(f.TriggeredRules),
		SARRequired:    f.SARRequired,
		CTRRequired:    f.CTRRequired,
		RulesFired:     fired,
		Errors:         errs,
	}
}

// UnavailableOutcome is reported by a tier that has nothing to evaluate.
func UnavailableOutcome(kind RuleKind) TierOutcome {
	return TierOutcome{Kind: kind, Decision: DecisionAllow}
}

// RuleEvaluationResult is the final, immutable screening result for a transaction.
type RuleEvaluationResult struct {
	TransactionID  string        `json:"transactionId"`
	TenantID       string        `json:"tenantId"`
	Decision       Decision      `json:"decision"`
	Score          float64       `json:"score"`
	Reasons        []string      `json:"reasons"`
	TriggeredRules []string      `json:"triggeredRules"`
	SARRequired    bool          `json:"sarRequired"`
	CTRRequired    bool          `json:"ctrRequired"`
	RulesFired     int           `json:"rulesFired"`
	RuleSetVersion int64         `json:"ruleSetVersion"`
	Degraded       bool          `json:"degraded"`
	Tiers          []TierOutcome `json:"tiers,omitempty"`
	Duration       time.Duration `json:"durationNs"`
	EvaluatedAt    time.Time     `json:"evaluatedAt"`
}

// Alerting reports whether the decision requires downstream attention.
func (r *RuleEvaluationResult) Alerting() bool {
	return r.Decision == DecisionHold || r.Decision == DecisionBlock
}

// AuditRecord is the persisted form of a decision, keyed by transaction id.
type AuditRecord struct {
	TransactionID  string    `json:"transactionId"`
	TenantID       string    `json:"tenantId"`
	Decision       Decision  `json:"decision"`
	Score          float64   `json:"score"`
	Reasons        []string  `json:"reasons"`
	TriggeredRules []string  `json:"triggeredRules"`
	SARRequired    bool      `json:"sarRequired"`
	CTRRequired    bool      `json:"ctrRequired"`
	RuleSetVersion int64     `json:"ruleSetVersion"`
	Degraded       bool      `json:"degraded"`
	DurationMs     int64     `json:"durationMs"`
	EvaluatedAt    time.Time `json:"evaluatedAt"`
}

// NewAuditRecord builds the audit form of a result.
func NewAuditRecord(r *RuleEvaluationResult) *AuditRecord {
	return &AuditRecord{
		TransactionID:  r.TransactionID,
		TenantID:       r.TenantID,
		Decision:       r.Decision,
		Score:          r.Score,
		Reasons:        slices.Clone(r.Reasons),
		TriggeredRules: slices.Clone(r.TriggeredRules),
		SARRequired:    r.SARRequired,
		CTRRequired:    r.CTRRequired,
		RuleSetVersion: r.RuleSetVersion,
		Degraded:       r.Degraded,
		DurationMs:     r.Duration.Milliseconds(),
		EvaluatedAt:    r.EvaluatedAt,
	}
}

// TransactionMessage is the bus payload for asynchronous screening.
type TransactionMessage struct {
	Transaction *Transaction `json:"transaction"`
	MLScore     *float64     `json:"mlScore,omitempty"`
}

// ErrScoreOutOfRange is returned for ML scores outside [0,100].
var ErrScoreOutOfRange = errors.New("ml score out of range")

// NormalizeScore maps a provider score onto [0,1]. Scores above 1 are read
// as percentages.
func NormalizeScore(v float64) (float64, error) {
	switch {
	case math.IsNaN(v) || v < 0 || v > 100:
		return 0, fmt.Errorf("%w: %v", ErrScoreOutOfRange, v)
	case v > 1:
		return v / 100, nil
	}
	return v, nil
}
