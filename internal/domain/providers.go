package domain

import (
	"context"
	"time"
)

// Dimension is the entity an aggregate is keyed by.
type Dimension string

const (
	DimensionPAN      Dimension = "pan"
	DimensionMerchant Dimension = "merchant"

	// DimensionPANHighValue counts only the card's high-value transactions.
	DimensionPANHighValue Dimension = "pan_high_value"
)

// AggregateKey identifies one aggregate series.
type AggregateKey struct {
	Dimension Dimension
	ID        string
}

// String renders the key as "dimension:id".
func (k AggregateKey) String() string {
	return string(k.Dimension) + ":" + k.ID
}

// AggregateProvider answers windowed questions about historical transactions.
// Windows are half-open: [until-window, until). Missing data yields zero
// values, not errors.
type AggregateProvider interface {
	CountInWindow(ctx context.Context, tenantID string, key AggregateKey, window time.Duration, until time.Time) (int64, error)

	// SumAmountInWindow returns the sum in minor units.
	SumAmountInWindow(ctx context.Context, tenantID string, key AggregateKey, window time.Duration, until time.Time) (int64, error)

	// DistinctCountInWindow returns the number of distinct terminals.
	DistinctCountInWindow(ctx context.Context, tenantID string, key AggregateKey, window time.Duration, until time.Time) (int64, error)

	// LastEventTime returns the latest event strictly before the given time, or nil.
	LastEventTime(ctx context.Context, tenantID string, key AggregateKey, before time.Time) (*time.Time, error)
}

// WindowStatsProvider is implemented by aggregate sources that can answer
// count, sum and distinct terminals for a window in one read.
type WindowStatsProvider interface {
	WindowStats(ctx context.Context, tenantID string, key AggregateKey, window time.Duration, until time.Time) (*WindowStats, error)
}

// ScoreProvider supplies the opaque ML risk score for a transaction.
type ScoreProvider interface {
	// Score returns ok=false when no score is known.
	Score(ctx context.Context, tenantID string, txID string) (float64, bool, error)
}

// GraphProvider supplies network metrics for a card.
type GraphProvider interface {
	Metrics(ctx context.Context, tenantID string, panHash string) (GraphMetrics, error)
}

// RuleStore lists the rule definitions the engine builds its snapshot from.
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]*RuleDefinition, error)
}
