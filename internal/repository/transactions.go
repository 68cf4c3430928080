package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveTransaction records a screened transaction into history.
// Re-recording the same id is a no-op.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	cardData, _ := json.Marshal(tx.CardData)
	metadata, _ := json.Marshal(tx.Metadata)
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, merchant_id, terminal_id, pan_hash, channel,
			country_code, amount_minor, currency, ts_ms, created_ms,
			card_data, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.MerchantID, tx.TerminalID, tx.PANHash, tx.Channel,
		tx.CountryCode, tx.AmountMinor, tx.Currency,
		toMillis(tx.Timestamp), toMillis(createdAt),
		string(cardData), string(metadata),
	)
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, merchant_id, terminal_id, pan_hash, channel,
			   country_code, amount_minor, currency, ts_ms, created_ms,
			   card_data, metadata
		FROM transactions
		WHERE tenant_id = ? AND id = ?
	`

	var tx domain.Transaction
	var tsMs, createdMs int64
	var cardData, metadata sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID).Scan(
		&tx.ID, &tx.TenantID, &tx.MerchantID, &tx.TerminalID, &tx.PANHash, &tx.Channel,
		&tx.CountryCode, &tx.AmountMinor, &tx.Currency, &tsMs, &createdMs,
		&cardData, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Timestamp = fromMillis(tsMs)
	tx.CreatedAt = fromMillis(createdMs)
	if cardData.Valid && cardData.String != "" {
		_ = json.Unmarshal([]byte(cardData.String), &tx.CardData)
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &tx.Metadata)
	}
	return &tx, nil
}

// dimensionColumn maps an aggregate dimension to its indexed column.
func dimensionColumn(d domain.Dimension) (string, error) {
	switch d {
	case domain.DimensionPAN, domain.DimensionPANHighValue:
		return "pan_hash", nil
	case domain.DimensionMerchant:
		return "merchant_id", nil
	default:
		return "", fmt.Errorf("%w: unknown dimension %q", ErrInvalidInput, d)
	}
}

// AggregateWindow computes count, sum and distinct terminals over [From, Until).
func (r *SQLRepository) AggregateWindow(ctx context.Context, tenantID string, q domain.AggregateQuery) (*domain.WindowStats, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	col, err := dimensionColumn(q.Key.Dimension)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(amount_minor), 0), COUNT(DISTINCT NULLIF(terminal_id, ''))
		FROM transactions
		WHERE tenant_id = ? AND ` + col + ` = ?
		  AND ts_ms >= ? AND ts_ms < ?
		  AND amount_minor >= ?
	`

	var stats domain.WindowStats
	err = r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, q.Key.ID, toMillis(q.From), toMillis(q.Until), q.MinAmountMinor,
	).Scan(&stats.Count, &stats.SumMinor, &stats.DistinctTerminals)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", q.Key, err)
	}
	return &stats, nil
}

// LastTransactionTime returns the latest transaction strictly before the
// given time, or nil when there is none.
func (r *SQLRepository) LastTransactionTime(ctx context.Context, tenantID string, key domain.AggregateKey, before time.Time) (*time.Time, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	col, err := dimensionColumn(key.Dimension)
	if err != nil {
		return nil, err
	}

	query := `SELECT MAX(ts_ms) FROM transactions WHERE tenant_id = ? AND ` + col + ` = ? AND ts_ms < ?`

	var last sql.NullInt64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, key.ID, toMillis(before)).Scan(&last); err != nil {
		return nil, fmt.Errorf("last event %s: %w", key, err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := fromMillis(last.Int64)
	return &t, nil
}
