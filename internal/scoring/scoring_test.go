package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestCacheProvider(t *testing.T) {
	lru := cache.NewLRUCache(10)
	defer lru.Close()
	p := NewCacheProvider(lru)
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, ok, err := p.Score(ctx, "tenant-1", "tx-1")
		if err != nil || ok {
			t.Errorf("expected no score, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("put and read", func(t *testing.T) {
		if err := p.Put(ctx, "tenant-1", "tx-1", 0.87, time.Minute); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		score, ok, err := p.Score(ctx, "tenant-1", "tx-1")
		if err != nil || !ok || score != 0.87 {
			t.Errorf("expected 0.87, got %v ok=%v err=%v", score, ok, err)
		}
		if _, ok, _ := p.Score(ctx, "tenant-2", "tx-1"); ok {
			t.Error("expected scores to be tenant scoped")
		}
	})

	t.Run("percentage", func(t *testing.T) {
		if err := p.Put(ctx, "tenant-1", "tx-4", 62, time.Minute); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		if score, ok, err := p.Score(ctx, "tenant-1", "tx-4"); err != nil || !ok || score != 0.62 {
			t.Errorf("expected 0.62, got %v ok=%v err=%v", score, ok, err)
		}

		lru.Set(ctx, "tenant-1", keyPrefix+"tx-5", []byte("87"), time.Minute)
		if score, ok, err := p.Score(ctx, "tenant-1", "tx-5"); err != nil || !ok || score != 0.87 {
			t.Errorf("expected 0.87 from a model writing percentages, got %v ok=%v err=%v", score, ok, err)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		err := p.Put(ctx, "tenant-1", "tx-2", 150, time.Minute)
		if !errors.Is(err, domain.ErrScoreOutOfRange) {
			t.Errorf("expected ErrScoreOutOfRange, got %v", err)
		}
		if err := p.Put(ctx, "tenant-1", "tx-2", -0.5, time.Minute); err == nil {
			t.Error("expected error for negative score")
		}
	})

	t.Run("corrupt value", func(t *testing.T) {
		lru.Set(ctx, "tenant-1", keyPrefix+"tx-3", []byte("high"), time.Minute)
		if _, _, err := p.Score(ctx, "tenant-1", "tx-3"); err == nil {
			t.Error("expected parse error")
		}
	})
}
