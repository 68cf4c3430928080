// Package velocity answers windowed aggregate questions about a card's and a
// merchant's transaction history.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HotWindow is the window of the cache-backed per-card counter used when the
// full history is not reachable in time.
const HotWindow = time.Hour

// History is the slice of the repository the service reads and writes.
type History interface {
	SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error
	AggregateWindow(ctx context.Context, tenantID string, q domain.AggregateQuery) (*domain.WindowStats, error)
	LastTransactionTime(ctx context.Context, tenantID string, key domain.AggregateKey, before time.Time) (*time.Time, error)
}

// Service implements domain.AggregateProvider over recorded transactions and
// keeps hot per-card counters in the cache.
type Service struct {
	history        History
	cache          domain.Cache
	highValueMinor int64
}

// NewService creates a velocity service. highValueThreshold is in major units
// and defines the pan_high_value dimension. cache may be nil.
func NewService(history History, cache domain.Cache, highValueThreshold float64) *Service {
	return &Service{
		history:        history,
		cache:          cache,
		highValueMinor: decimal.NewFromFloat(highValueThreshold).Shift(2).IntPart(),
	}
}

// WindowStats returns count, sum and distinct terminals for [until-window, until)
// from a single aggregate read.
func (s *Service) WindowStats(ctx context.Context, tenantID string, key domain.AggregateKey, window time.Duration, until time.Time) (*domain.WindowStats, error) {
	if tenantID == "" || key.ID == "" {
		return &domain.WindowStats{}, nil
	}
	q := domain.AggregateQuery{
		Key:   key,
		From:  until.Add(-window),
		Until: until,
	}
	if key.Dimension == domain.DimensionPANHighValue {
		q.MinAmountMinor = s.highValueMinor
	}
	stats, err := s.history.AggregateWindow(ctx, tenantID, q)
	if err != nil {
		return nil, fmt.Errorf("velocity %s over %s: %w", key, window, err)
	}
	return stats, nil
}

// CountInWindow returns the number of transactions in [until-window, until).
func (s *Service) CountInWindow(ctx context.Context, tenantID string, key domain.AggregateKey, window time.Duration, until time.Time) (int64, error) {
	st, err := s.WindowStats(ctx, tenantID, key, window, until)
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

// SumAmountInWindow returns the summed amount in minor units.
func (s *Service) SumAmountInWindow(ctx context.Context, tenantID string, key domain.AggregateKey, window time.Duration, until time.Time) (int64, error) {
	st, err := s.WindowStats(ctx, tenantID, key, window, until)
	if err != nil {
		return 0, err
	}
	return st.SumMinor, nil
}

// DistinctCountInWindow returns the number of distinct terminals.
func (s *Service) DistinctCountInWindow(ctx context.Context, tenantID string, key domain.AggregateKey, window time.Duration, until time.Time) (int64, error) {
	st, err := s.WindowStats(ctx, tenantID, key, window, until)
	if err != nil {
		return 0, err
	}
	return st.DistinctTerminals, nil
}

// LastEventTime returns the latest transaction strictly before the given time.
func (s *Service) LastEventTime(ctx context.Context, tenantID string, key domain.AggregateKey, before time.Time) (*time.Time, error) {
	if tenantID == "" || key.ID == "" {
		return nil, nil
	}
	return s.history.LastTransactionTime(ctx, tenantID, key, before)
}

// Record stores a screened transaction and bumps the hot card counter.
// Callers treat failures as best-effort.
func (s *Service) Record(ctx context.Context, tx *domain.Transaction) error {
	tenantID := tx.Tenant()
	if err := s.history.SaveTransaction(ctx, tenantID, tx); err != nil {
		return fmt.Errorf("record transaction %s: %w", tx.ID, err)
	}
	if s.cache != nil && tx.PANHash != "" {
		if _, err := s.cache.IncrementCounter(ctx, tenantID, hotKey(tx.PANHash), HotWindow); err != nil {
			return fmt.Errorf("bump hot counter: %w", err)
		}
	}
	return nil
}

// HotVelocity returns the card aggregates available from the cache alone.
// Only PANCount1h is populated.
func (s *Service) HotVelocity(ctx context.Context, tenantID, panHash string) domain.Velocity {
	var v domain.Velocity
	if s.cache == nil || panHash == "" {
		return v
	}
	n, err := s.cache.Counter(ctx, tenantID, hotKey(panHash))
	if err == nil {
		v.PANCount1h = n
	}
	return v
}

func hotKey(panHash string) string {
	return "velocity:pan:1h:" + panHash
}

var _ domain.AggregateProvider = (*Service)(nil)
var _ domain.WindowStatsProvider = (*Service)(nil)
