package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// ErrNotFound is returned when no audit record exists for a transaction.
var ErrNotFound = errors.New("audit record not found")

// EvaluationReader is the repository method Reader falls back to.
type EvaluationReader interface {
	GetEvaluation(ctx context.Context, tenantID string, txID string) (*domain.AuditRecord, error)
}

// Reader looks audit records up in the cache first, then in the repository.
// Either may be nil.
type Reader struct {
	cache domain.Cache
	repo  EvaluationReader
}

func NewReader(cache domain.Cache, repo EvaluationReader) *Reader {
	return &Reader{cache: cache, repo: repo}
}

// Get returns the audit record for txID.
func (r *Reader) Get(ctx context.Context, tenantID, txID string) (*domain.AuditRecord, error) {
	if r.cache != nil {
		fields, err := r.cache.GetFields(ctx, tenantID, cacheKey(txID))
		switch {
		case err != nil:
			slog.Debug("audit cache read failed", "tx_id", txID, "error", err)
		case fields != nil:
			rec, err := fromFields(fields)
			if err == nil {
				return rec, nil
			}
			slog.Warn("corrupt audit cache entry", "tx_id", txID, "error", err)
		}
	}

	if r.repo == nil {
		return nil, ErrNotFound
	}
	rec, err := r.repo.GetEvaluation(ctx, tenantID, txID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit record: %w", err)
	}
	return rec, nil
}
