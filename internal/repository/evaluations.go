package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveEvaluation stores the audit record for a transaction. A re-screen of
// the same transaction replaces the previous record.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, rec *domain.AuditRecord) error {
	if rec == nil || rec.TenantID == "" || rec.TransactionID == "" {
		return fmt.Errorf("%w: tenantID and transactionId are required", ErrInvalidInput)
	}

	reasons, _ := json.Marshal(nonNil(rec.Reasons))
	triggered, _ := json.Marshal(nonNil(rec.TriggeredRules))

	query := `
		INSERT INTO evaluations (
			tenant_id, tx_id, decision, score, reasons, triggered_rules,
			sar_required, ctr_required, rule_set_version, degraded,
			duration_ms, evaluated_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, tx_id) DO UPDATE SET
			decision = excluded.decision,
			score = excluded.score,
			reasons = excluded.reasons,
			triggered_rules = excluded.triggered_rules,
			sar_required = excluded.sar_required,
			ctr_required = excluded.ctr_required,
			rule_set_version = excluded.rule_set_version,
			degraded = excluded.degraded,
			duration_ms = excluded.duration_ms,
			evaluated_ms = excluded.evaluated_ms
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.TenantID, rec.TransactionID, string(rec.Decision), rec.Score,
		string(reasons), string(triggered),
		boolInt(rec.SARRequired), boolInt(rec.CTRRequired),
		rec.RuleSetVersion, boolInt(rec.Degraded),
		rec.DurationMs, toMillis(rec.EvaluatedAt),
	)
	if err != nil {
		return fmt.Errorf("save evaluation %s: %w", rec.TransactionID, err)
	}
	return nil
}

// GetEvaluation retrieves the audit record for a transaction.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, txID string) (*domain.AuditRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, tx_id, decision, score, reasons, triggered_rules,
			   sar_required, ctr_required, rule_set_version, degraded,
			   duration_ms, evaluated_ms
		FROM evaluations
		WHERE tenant_id = ? AND tx_id = ?
	`

	var rec domain.AuditRecord
	var decision, reasons, triggered string
	var sar, ctr, degraded int
	var evaluatedMs int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&rec.TenantID, &rec.TransactionID, &decision, &rec.Score, &reasons, &triggered,
		&sar, &ctr, &rec.RuleSetVersion, &degraded,
		&rec.DurationMs, &evaluatedMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Decision = domain.Decision(decision)
	rec.SARRequired = sar == 1
	rec.CTRRequired = ctr == 1
	rec.Degraded = degraded == 1
	rec.EvaluatedAt = fromMillis(evaluatedMs)
	_ = json.Unmarshal([]byte(reasons), &rec.Reasons)
	_ = json.Unmarshal([]byte(triggered), &rec.TriggeredRules)
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
