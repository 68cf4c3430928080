// Package features turns a transaction and its history into the flat
// feature set the rule tiers read.
package features

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pool"
)

// DefaultCurrency is used when a transaction carries none.
const DefaultCurrency = "USD"

const (
	hour  = time.Hour
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
)

// Extractor computes features. It never fails: lookups that error or time
// out contribute their zero defaults.
type Extractor struct {
	aggregates domain.AggregateProvider
	pool       *pool.Pool
	timeout    time.Duration
	logger     *slog.Logger
}

// NewExtractor creates an extractor. aggregates may be nil, in which case
// only transaction-level and EMV features are produced.
func NewExtractor(aggregates domain.AggregateProvider, p *pool.Pool, aggregateTimeout time.Duration) *Extractor {
	if aggregateTimeout <= 0 {
		aggregateTimeout = 50 * time.Millisecond
	}
	return &Extractor{
		aggregates: aggregates,
		pool:       p,
		timeout:    aggregateTimeout,
		logger:     slog.Default(),
	}
}

// window is one aggregate bucket for one key.
type window struct {
	count    int64
	sumMinor int64
	distinct int64
}

func (w window) sum() float64 { return minorToMajor(w.sumMinor) }

func (w window) avg() float64 {
	if w.count == 0 {
		return 0
	}
	return decimal.New(w.sumMinor, -2).Div(decimal.NewFromInt(w.count)).Round(2).InexactFloat64()
}

// history collects lookup results. Each lookup writes its own field.
type history struct {
	merchant1h, merchant24h      window
	pan1h, pan24h, pan7d, pan30d window
	highValue7d                  int64
	last                         *time.Time
}

// Extract derives features and aggregates for tx.
func (e *Extractor) Extract(ctx context.Context, tx *domain.Transaction) (domain.Features, domain.Velocity) {
	ts := tx.Timestamp.UTC()
	h := e.lookup(ctx, tx, ts)

	f := TransactionFeatures(tx)
	amount := f.Float(domain.FeatureAmount)

	f[domain.FeatureMerchantCount1h] = h.merchant1h.count
	f[domain.FeatureMerchantSum1h] = h.merchant1h.sum()
	f[domain.FeatureMerchantCount24h] = h.merchant24h.count
	f[domain.FeatureMerchantSum24h] = h.merchant24h.sum()

	for _, b := range []struct {
		w                        window
		count, sum, distinct, avg string
	}{
		{h.pan1h, domain.FeaturePANCount1h, domain.FeaturePANSum1h, domain.FeaturePANDistinctTerm1h, domain.FeaturePANAvg1h},
		{h.pan7d, domain.FeaturePANCount7d, domain.FeaturePANSum7d, domain.FeaturePANDistinctTerm7d, domain.FeaturePANAvg7d},
		{h.pan30d, domain.FeaturePANCount30d, domain.FeaturePANSum30d, domain.FeaturePANDistinctTerm30d, domain.FeaturePANAvg30d},
	} {
		f[b.count] = b.w.count
		f[b.sum] = b.w.sum()
		f[b.distinct] = b.w.distinct
		f[b.avg] = b.w.avg()
	}

	f[domain.FeatureMinutesSinceLast] = minutesSince(h.last, ts)
	f[domain.FeatureAmountZScore] = zscore(amount, h.pan30d)
	f[domain.FeatureAMLCumulative30d] = h.pan30d.sum()
	f[domain.FeatureAMLHighValueCount7d] = h.highValue7d

	v := domain.Velocity{
		PANCount1h:       h.pan1h.count,
		PANCount24h:      h.pan24h.count,
		PANCount7d:       h.pan7d.count,
		PANCount30d:      h.pan30d.count,
		PANSum1h:         h.pan1h.sum(),
		PANSum24h:        h.pan24h.sum(),
		PANSum7d:         h.pan7d.sum(),
		PANSum30d:        h.pan30d.sum(),
		MerchantCount1h:  h.merchant1h.count,
		MerchantCount24h: h.merchant24h.count,
		MerchantSum1h:    h.merchant1h.sum(),
		MerchantSum24h:   h.merchant24h.sum(),
	}
	return f, v
}

// TransactionFeatures derives the features that need no history: amount,
// currency, identifiers, time of day and EMV. History features default to
// "no history" values.
func TransactionFeatures(tx *domain.Transaction) domain.Features {
	ts := tx.Timestamp.UTC()
	amount := minorToMajor(tx.AmountMinor)
	currency := tx.Currency
	if currency == "" {
		currency = DefaultCurrency
	}

	f := domain.Features{
		domain.FeatureAmount:     amount,
		domain.FeatureLogAmount:  math.Log(math.Max(amount, 0.01)),
		domain.FeatureCurrency:   currency,
		domain.FeatureMerchantID: tx.MerchantID,
		domain.FeatureTerminalID: tx.TerminalID,
		domain.FeaturePseudoBIN:  pseudoBIN(tx.PANHash),
		domain.FeatureHourOfDay:  int64(ts.Hour()),
		domain.FeatureDayOfWeek:  int64(ts.Weekday()),

		domain.FeatureTenantID:    tx.Tenant(),
		domain.FeaturePANHash:     tx.PANHash,
		domain.FeatureChannel:     tx.Channel,
		domain.FeatureCountryCode: tx.CountryCode,

		domain.FeatureMinutesSinceLast: float64(-1),
		domain.FeatureAmountZScore:     float64(0),
	}
	emvFeatures(tx.CardData, f)
	return f
}

// TransactionFromFeatures rebuilds the transaction a feature set describes.
// Fields without a feature stay empty.
func TransactionFromFeatures(txID string, f domain.Features, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:          txID,
		TenantID:    f.String(domain.FeatureTenantID),
		MerchantID:  f.String(domain.FeatureMerchantID),
		TerminalID:  f.String(domain.FeatureTerminalID),
		Channel:     f.String(domain.FeatureChannel),
		CountryCode: f.String(domain.FeatureCountryCode),
		PANHash:     f.String(domain.FeaturePANHash),
		AmountMinor: decimal.NewFromFloat(f.Float(domain.FeatureAmount)).Shift(2).Round(0).IntPart(),
		Currency:    f.String(domain.FeatureCurrency),
		Timestamp:   ts,
	}
}

// lookup fans the aggregate queries out on the pool and joins them.
func (e *Extractor) lookup(ctx context.Context, tx *domain.Transaction, ts time.Time) *history {
	h := &history{}
	if e.aggregates == nil {
		return h
	}
	tenantID := tx.Tenant()
	merchant := domain.AggregateKey{Dimension: domain.DimensionMerchant, ID: tx.MerchantID}
	pan := domain.AggregateKey{Dimension: domain.DimensionPAN, ID: tx.PANHash}
	highValue := domain.AggregateKey{Dimension: domain.DimensionPANHighValue, ID: tx.PANHash}

	var tasks []func(context.Context)
	stats, single := e.aggregates.(domain.WindowStatsProvider)
	addWindow := func(dst *window, key domain.AggregateKey, w time.Duration, distinct bool) {
		if single {
			tasks = append(tasks, func(ctx context.Context) {
				ws, err := stats.WindowStats(ctx, tenantID, key, w, ts)
				if err != nil {
					e.logFailure(tenantID, key, w, err)
					return
				}
				dst.count = ws.Count
				dst.sumMinor = ws.SumMinor
				if distinct {
					dst.distinct = ws.DistinctTerminals
				}
			})
			return
		}
		tasks = append(tasks,
			func(ctx context.Context) {
				dst.count = e.count(ctx, tenantID, key, w, ts, e.aggregates.CountInWindow)
			},
			func(ctx context.Context) {
				dst.sumMinor = e.count(ctx, tenantID, key, w, ts, e.aggregates.SumAmountInWindow)
			},
		)
		if distinct {
			tasks = append(tasks, func(ctx context.Context) {
				dst.distinct = e.count(ctx, tenantID, key, w, ts, e.aggregates.DistinctCountInWindow)
			})
		}
	}

	if tx.MerchantID != "" {
		addWindow(&h.merchant1h, merchant, hour, false)
		addWindow(&h.merchant24h, merchant, day, false)
	}
	if tx.PANHash != "" {
		addWindow(&h.pan1h, pan, hour, true)
		addWindow(&h.pan24h, pan, day, false)
		addWindow(&h.pan7d, pan, week, true)
		addWindow(&h.pan30d, pan, month, true)
		tasks = append(tasks,
			func(ctx context.Context) {
				h.highValue7d = e.count(ctx, tenantID, highValue, week, ts, e.aggregates.CountInWindow)
			},
			func(ctx context.Context) {
				last, err := e.aggregates.LastEventTime(ctx, tenantID, pan, ts)
				if err != nil {
					e.logger.Debug("last event lookup failed", "tx_id", tx.ID, "error", err)
					return
				}
				h.last = last
			},
		)
	}

	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		e.submit(func() {
			defer wg.Done()
			lctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			task(lctx)
		})
	}
	wg.Wait()
	return h
}

func (e *Extractor) submit(fn func()) {
	if e.pool == nil {
		fn()
		return
	}
	e.pool.Submit(fn)
}

type windowFunc func(ctx context.Context, tenantID string, key domain.AggregateKey, window time.Duration, until time.Time) (int64, error)

func (e *Extractor) count(ctx context.Context, tenantID string, key domain.AggregateKey, w time.Duration, until time.Time, fn windowFunc) int64 {
	n, err := fn(ctx, tenantID, key, w, until)
	if err != nil {
		e.logFailure(tenantID, key, w, err)
		return 0
	}
	return n
}

func (e *Extractor) logFailure(tenantID string, key domain.AggregateKey, w time.Duration, err error) {
	e.logger.Debug("aggregate lookup failed",
		"tenant_id", tenantID,
		"key", key.String(),
		"window", w.String(),
		"error", err,
	)
}

func minorToMajor(minor int64) float64 {
	return decimal.New(minor, -2).InexactFloat64()
}

func pseudoBIN(panHash string) string {
	if len(panHash) < 6 {
		return panHash
	}
	return panHash[:6]
}

func minutesSince(last *time.Time, ts time.Time) float64 {
	if last == nil {
		return -1
	}
	return ts.Sub(*last).Minutes()
}

func zscore(amount float64, w window) float64 {
	if w.count == 0 {
		return 0
	}
	avg := w.avg()
	return (amount - avg) / math.Max(avg, 1.0)
}
