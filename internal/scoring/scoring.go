// Package scoring looks up the ML risk score published for a transaction.
package scoring

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const keyPrefix = "mlscore:"

// CacheProvider reads scores an external model wrote into the shared cache.
type CacheProvider struct {
	cache domain.Cache
}

// NewCacheProvider creates a provider over cache.
func NewCacheProvider(cache domain.Cache) *CacheProvider {
	return &CacheProvider{cache: cache}
}

// Score implements domain.ScoreProvider.
func (p *CacheProvider) Score(ctx context.Context, tenantID, txID string) (float64, bool, error) {
	raw, err := p.cache.Get(ctx, tenantID, keyPrefix+txID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read score: %w", err)
	}
	if raw == nil {
		return 0, false, nil
	}
	score, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid score %q: %w", raw, err)
	}
	score, err = domain.NormalizeScore(score)
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// Put publishes a score for a transaction. Percentages are stored on [0,1].
func (p *CacheProvider) Put(ctx context.Context, tenantID, txID string, score float64, ttl time.Duration) error {
	score, err := domain.NormalizeScore(score)
	if err != nil {
		return err
	}
	value := strconv.FormatFloat(score, 'f', -1, 64)
	return p.cache.Set(ctx, tenantID, keyPrefix+txID, []byte(value), ttl)
}

var _ domain.ScoreProvider = (*CacheProvider)(nil)
