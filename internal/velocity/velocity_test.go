package velocity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func TestVelocityService(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "velocity-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache, 3000)

	ctx := context.Background()
	tenantID := "psp-001"
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pan := domain.AggregateKey{Dimension: domain.DimensionPAN, ID: "pan-001"}

	t.Run("EmptyHistory", func(t *testing.T) {
		count, err := svc.CountInWindow(ctx, tenantID, pan, time.Hour, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for empty history, got %d", count)
		}
		last, err := svc.LastEventTime(ctx, tenantID, pan, now)
		if err != nil || last != nil {
			t.Errorf("expected nil, nil for empty history, got %v, %v", last, err)
		}
	})

	t.Run("WithTransactions", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			tx := &domain.Transaction{
				ID:          fmt.Sprintf("tx-%d", i),
				TenantID:    tenantID,
				MerchantID:  "m-001",
				TerminalID:  fmt.Sprintf("term-%d", i%2),
				PANHash:     "pan-001",
				AmountMinor: int64(100000 * (i + 1)), // 1,000 .. 5,000
				Currency:    "USD",
				Timestamp:   now.Add(-time.Duration(i+1) * 10 * time.Minute),
			}
			if err := svc.Record(ctx, tx); err != nil {
				t.Fatalf("failed to record transaction: %v", err)
			}
		}

		count, err := svc.CountInWindow(ctx, tenantID, pan, time.Hour, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}

		sum, _ := svc.SumAmountInWindow(ctx, tenantID, pan, time.Hour, now)
		if sum != 1500000 {
			t.Errorf("expected sum 1500000, got %d", sum)
		}

		distinct, _ := svc.DistinctCountInWindow(ctx, tenantID, pan, time.Hour, now)
		if distinct != 2 {
			t.Errorf("expected 2 distinct terminals, got %d", distinct)
		}

		// 3,000 and above: 3,000 / 4,000 / 5,000
		highValue := domain.AggregateKey{Dimension: domain.DimensionPANHighValue, ID: "pan-001"}
		hv, _ := svc.CountInWindow(ctx, tenantID, highValue, 7*24*time.Hour, now)
		if hv != 3 {
			t.Errorf("expected 3 high-value transactions, got %d", hv)
		}

		last, err := svc.LastEventTime(ctx, tenantID, pan, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if last == nil || !last.Equal(now.Add(-10*time.Minute)) {
			t.Errorf("expected last event 10m ago, got %v", last)
		}
	})

	t.Run("WindowExcludesUntil", func(t *testing.T) {
		// history as seen from the most recent transaction's own timestamp
		count, _ := svc.CountInWindow(ctx, tenantID, pan, time.Hour, now.Add(-10*time.Minute))
		if count != 4 {
			t.Errorf("expected 4 prior transactions, got %d", count)
		}
	})

	t.Run("HotCounter", func(t *testing.T) {
		v := svc.HotVelocity(ctx, tenantID, "pan-001")
		if v.PANCount1h != 5 {
			t.Errorf("expected hot count 5, got %d", v.PANCount1h)
		}
		if other := svc.HotVelocity(ctx, tenantID, "pan-unknown"); other.PANCount1h != 0 {
			t.Errorf("expected 0 for unknown card, got %d", other.PANCount1h)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		count, err := svc.CountInWindow(ctx, "other-psp", pan, time.Hour, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for different tenant, got %d", count)
		}
	})

	t.Run("BlankKeyIsZero", func(t *testing.T) {
		count, err := svc.CountInWindow(ctx, tenantID, domain.AggregateKey{Dimension: domain.DimensionMerchant}, time.Hour, now)
		if err != nil || count != 0 {
			t.Errorf("expected 0, nil for blank key, got %d, %v", count, err)
		}
	})
}
