package audit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Field names of the cached audit hash.
const (
	fieldTransactionID  = "transactionId"
	fieldTenantID       = "tenantId"
	fieldDecision       = "decision"
	fieldScore          = "score"
	fieldReasons        = "reasons"
	fieldTriggeredRules = "triggeredRules"
	fieldSARRequired    = "sarRequired"
	fieldCTRRequired    = "ctrRequired"
	fieldRuleSetVersion = "ruleSetVersion"
	fieldDegraded       = "degraded"
	fieldDurationMs     = "durationMs"
	fieldEvaluatedAt    = "evaluatedAt"
)

func cacheKey(txID string) string {
	return "audit:" + txID
}

// toFields flattens a record into string fields. Lists are JSON encoded.
func toFields(rec *domain.AuditRecord) (map[string]string, error) {
	reasons, err := json.Marshal(nonNil(rec.Reasons))
	if err != nil {
		return nil, err
	}
	triggered, err := json.Marshal(nonNil(rec.TriggeredRules))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		fieldTransactionID:  rec.TransactionID,
		fieldTenantID:       rec.TenantID,
		fieldDecision:       string(rec.Decision),
		fieldScore:          strconv.FormatFloat(rec.Score, 'f', -1, 64),
		fieldReasons:        string(reasons),
		fieldTriggeredRules: string(triggered),
		fieldSARRequired:    strconv.FormatBool(rec.SARRequired),
		fieldCTRRequired:    strconv.FormatBool(rec.CTRRequired),
		fieldRuleSetVersion: strconv.FormatInt(rec.RuleSetVersion, 10),
		fieldDegraded:       strconv.FormatBool(rec.Degraded),
		fieldDurationMs:     strconv.FormatInt(rec.DurationMs, 10),
		fieldEvaluatedAt:    rec.EvaluatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// fromFields rebuilds a record written by toFields.
func fromFields(fields map[string]string) (*domain.AuditRecord, error) {
	rec := &domain.AuditRecord{
		TransactionID: fields[fieldTransactionID],
		TenantID:      fields[fieldTenantID],
		Decision:      domain.Decision(fields[fieldDecision]),
		SARRequired:   fields[fieldSARRequired] == "true",
		CTRRequired:   fields[fieldCTRRequired] == "true",
		Degraded:      fields[fieldDegraded] == "true",
	}

	var err error
	if rec.Score, err = strconv.ParseFloat(fields[fieldScore], 64); err != nil {
		return nil, fmt.Errorf("score: %w", err)
	}
	if rec.RuleSetVersion, err = strconv.ParseInt(fields[fieldRuleSetVersion], 10, 64); err != nil {
		return nil, fmt.Errorf("ruleSetVersion: %w", err)
	}
	if rec.DurationMs, err = strconv.ParseInt(fields[fieldDurationMs], 10, 64); err != nil {
		return nil, fmt.Errorf("durationMs: %w", err)
	}
	if rec.EvaluatedAt, err = time.Parse(time.RFC3339Nano, fields[fieldEvaluatedAt]); err != nil {
		return nil, fmt.Errorf("evaluatedAt: %w", err)
	}
	if err := json.Unmarshal([]byte(fields[fieldReasons]), &rec.Reasons); err != nil {
		return nil, fmt.Errorf("reasons: %w", err)
	}
	if err := json.Unmarshal([]byte(fields[fieldTriggeredRules]), &rec.TriggeredRules); err != nil {
		return nil, fmt.Errorf("triggeredRules: %w", err)
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
