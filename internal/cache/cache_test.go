package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLRU(size int) (*LRUCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewLRUCache(size)
	c.now = clock.now
	return c, clock
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "psp-001"

	t.Run("SetAndGet", func(t *testing.T) {
		c, _ := newTestLRU(100)
		if err := c.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, err := c.Get(ctx, tenantID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		c, _ := newTestLRU(100)
		val, err := c.Get(ctx, tenantID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		c, _ := newTestLRU(100)
		_ = c.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)
		if err := c.Delete(ctx, tenantID, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "key2"); val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		c, clock := newTestLRU(100)
		_ = c.Set(ctx, tenantID, "expiring", []byte("temp"), 10*time.Second)

		if val, _ := c.Get(ctx, tenantID, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}
		clock.advance(11 * time.Second)
		if val, _ := c.Get(ctx, tenantID, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		c, _ := newTestLRU(3)
		_ = c.Set(ctx, tenantID, "a", []byte("1"), time.Minute)
		_ = c.Set(ctx, tenantID, "b", []byte("2"), time.Minute)
		_ = c.Set(ctx, tenantID, "c", []byte("3"), time.Minute)

		// touch 'a' so 'b' becomes the oldest
		_, _ = c.Get(ctx, tenantID, "a")
		_ = c.Set(ctx, tenantID, "d", []byte("4"), time.Minute)

		if val, _ := c.Get(ctx, tenantID, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := c.Get(ctx, tenantID, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		c, _ := newTestLRU(100)
		_ = c.Set(ctx, "psp-a", "shared-key", []byte("a-value"), time.Minute)
		_ = c.Set(ctx, "psp-b", "shared-key", []byte("b-value"), time.Minute)

		val1, _ := c.Get(ctx, "psp-a", "shared-key")
		val2, _ := c.Get(ctx, "psp-b", "shared-key")
		if string(val1) != "a-value" {
			t.Errorf("expected 'a-value', got '%s'", string(val1))
		}
		if string(val2) != "b-value" {
			t.Errorf("expected 'b-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		c, _ := newTestLRU(100)
		if err := c.Set(ctx, "", "key", []byte("value"), time.Minute); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got %v", err)
		}
		if _, err := c.Get(ctx, "", "key"); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got %v", err)
		}
		if _, err := c.Counter(ctx, "", "key"); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got %v", err)
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		c, clock := newTestLRU(100)
		window := time.Hour

		count1, err := c.IncrementCounter(ctx, tenantID, "pan:abc", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}
		if count2, _ := c.IncrementCounter(ctx, tenantID, "pan:abc", window); count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}
		if n, _ := c.Counter(ctx, tenantID, "pan:abc"); n != 2 {
			t.Errorf("expected Counter 2, got %d", n)
		}

		clock.advance(window + time.Second)

		if n, _ := c.Counter(ctx, tenantID, "pan:abc"); n != 0 {
			t.Errorf("expected expired counter to read 0, got %d", n)
		}
		if count3, _ := c.IncrementCounter(ctx, tenantID, "pan:abc", window); count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("Fields", func(t *testing.T) {
		c, _ := newTestLRU(100)
		fields := map[string]string{"decision": "HOLD", "sarRequired": "true"}
		if err := c.PutFields(ctx, tenantID, "audit:tx-1", fields, time.Minute); err != nil {
			t.Fatalf("PutFields failed: %v", err)
		}

		got, err := c.GetFields(ctx, tenantID, "audit:tx-1")
		if err != nil {
			t.Fatalf("GetFields failed: %v", err)
		}
		if got["decision"] != "HOLD" || got["sarRequired"] != "true" {
			t.Errorf("unexpected fields: %v", got)
		}

		missing, err := c.GetFields(ctx, tenantID, "audit:tx-404")
		if err != nil || missing != nil {
			t.Errorf("expected nil, nil for missing record, got %v, %v", missing, err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c, _ := newTestLRU(50)
		_ = c.Set(ctx, tenantID, "k1", []byte("v1"), time.Minute)
		_ = c.Set(ctx, tenantID, "k2", []byte("v2"), time.Minute)

		size, capacity := c.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		c, _ := newTestLRU(10)
		_ = c.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := c.Get(ctx, tenantID, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	tenantID := "psp-001"

	t.Run("ReadThroughPopulatesL1", func(t *testing.T) {
		local, _ := newTestLRU(10)
		remote, _ := newTestLRU(10)
		c := newTwoPhase(local, remote, time.Minute)

		_ = remote.Set(ctx, tenantID, "k", []byte("remote"), time.Hour)

		val, err := c.Get(ctx, tenantID, "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "remote" {
			t.Fatalf("expected 'remote', got %q", val)
		}
		if l1, _ := local.Get(ctx, tenantID, "k"); string(l1) != "remote" {
			t.Errorf("expected L1 to be populated, got %q", l1)
		}
	})

	t.Run("FieldsWrittenToBothLayers", func(t *testing.T) {
		local, _ := newTestLRU(10)
		remote, _ := newTestLRU(10)
		c := newTwoPhase(local, remote, time.Minute)

		if err := c.PutFields(ctx, tenantID, "audit:tx-9", map[string]string{"decision": "BLOCK"}, time.Hour); err != nil {
			t.Fatalf("PutFields failed: %v", err)
		}
		for name, layer := range map[string]*LRUCache{"local": local, "remote": remote} {
			got, _ := layer.GetFields(ctx, tenantID, "audit:tx-9")
			if got["decision"] != "BLOCK" {
				t.Errorf("%s layer missing record: %v", name, got)
			}
		}
	})

	t.Run("CountersUseRemoteOnly", func(t *testing.T) {
		local, _ := newTestLRU(10)
		remote, _ := newTestLRU(10)
		c := newTwoPhase(local, remote, time.Minute)

		_, _ = c.IncrementCounter(ctx, tenantID, "pan:x", time.Hour)
		_, _ = c.IncrementCounter(ctx, tenantID, "pan:x", time.Hour)

		if n, _ := local.Counter(ctx, tenantID, "pan:x"); n != 0 {
			t.Errorf("expected no local counter, got %d", n)
		}
		if n, _ := c.Counter(ctx, tenantID, "pan:x"); n != 2 {
			t.Errorf("expected remote counter 2, got %d", n)
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
