package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "audit-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testResult(txID string) *domain.RuleEvaluationResult {
	return &domain.RuleEvaluationResult{
		TransactionID:  txID,
		TenantID:       "tenant-001",
		Decision:       domain.DecisionHold,
		Score:          0.42,
		Reasons:        []string{"possible structuring"},
		TriggeredRules: []string{"FALLBACK_STRUCTURING"},
		SARRequired:    true,
		RuleSetVersion: 3,
		Duration:       4 * time.Millisecond,
		EvaluatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC),
	}
}

func TestFieldsRoundTrip(t *testing.T) {
	rec := domain.NewAuditRecord(testResult("tx-1"))
	fields, err := toFields(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := fromFields(fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Decision != rec.Decision || got.Score != rec.Score || !got.SARRequired ||
		got.RuleSetVersion != 3 || got.DurationMs != 4 || !got.EvaluatedAt.Equal(rec.EvaluatedAt) ||
		got.TriggeredRules[0] != "FALLBACK_STRUCTURING" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	delete(fields, fieldScore)
	if _, err := fromFields(fields); err == nil {
		t.Error("expected error for missing score")
	}
}

func TestWriterAndReader(t *testing.T) {
	lru := cache.NewLRUCache(100)
	defer lru.Close()
	repo := newTestRepo(t)

	w := NewWriter(domain.AuditConfig{QueueSize: 16, Workers: 2, WriteTimeout: time.Second, TTL: time.Hour}, nil,
		NewCacheSink(lru, time.Hour), NewRepositorySink(repo))
	w.Write(testResult("tx-1"))
	w.Write(nil)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx := context.Background()
	reader := NewReader(lru, repo)

	t.Run("from cache", func(t *testing.T) {
		rec, err := reader.Get(ctx, "tenant-001", "tx-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Decision != domain.DecisionHold || rec.RuleSetVersion != 3 {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("falls back to repository", func(t *testing.T) {
		lru.Delete(ctx, "tenant-001", cacheKey("tx-1"))
		rec, err := reader.Get(ctx, "tenant-001", "tx-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !rec.SARRequired || rec.TriggeredRules[0] != "FALLBACK_STRUCTURING" {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := reader.Get(ctx, "tenant-001", "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := reader.Get(ctx, "tenant-002", "tx-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected tenant isolation, got %v", err)
		}
		if _, err := NewReader(nil, nil).Get(ctx, "tenant-001", "tx-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound without stores, got %v", err)
		}
	})
}

type funcSink struct {
	name string
	fn   func(ctx context.Context, rec *domain.AuditRecord) error
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) Write(ctx context.Context, rec *domain.AuditRecord) error { return s.fn(ctx, rec) }

func TestWriterFailures(t *testing.T) {
	t.Run("sink errors are counted", func(t *testing.T) {
		m := metrics.NewCollector()
		var mu sync.Mutex
		var seen []string
		ok := funcSink{name: "ok", fn: func(_ context.Context, rec *domain.AuditRecord) error {
			mu.Lock()
			seen = append(seen, rec.TransactionID)
			mu.Unlock()
			return nil
		}}
		bad := funcSink{name: "bad", fn: func(context.Context, *domain.AuditRecord) error {
			return errors.New("disk full")
		}}

		w := NewWriter(domain.AuditConfig{Workers: 1}, m, bad, ok)
		w.Write(testResult("tx-1"))
		w.Close(context.Background())

		if len(seen) != 1 {
			t.Errorf("expected healthy sink to still receive the record, got %v", seen)
		}
		if !strings.Contains(scrape(t, m), `kestrel_audit_write_failures_total{sink="bad"} 1`) {
			t.Error("expected failure metric")
		}
	})

	t.Run("slow sink is cut off", func(t *testing.T) {
		var got error
		slow := funcSink{name: "slow", fn: func(ctx context.Context, _ *domain.AuditRecord) error {
			<-ctx.Done()
			got = ctx.Err()
			return got
		}}
		w := NewWriter(domain.AuditConfig{Workers: 1, WriteTimeout: 10 * time.Millisecond}, nil, slow)
		w.Write(testResult("tx-1"))
		w.Close(context.Background())
		if !errors.Is(got, context.DeadlineExceeded) {
			t.Errorf("expected write timeout, got %v", got)
		}
	})

	t.Run("full queue drops without blocking", func(t *testing.T) {
		m := metrics.NewCollector()
		release := make(chan struct{})
		blocked := funcSink{name: "blocked", fn: func(context.Context, *domain.AuditRecord) error {
			<-release
			return nil
		}}
		w := NewWriter(domain.AuditConfig{Workers: 1, QueueSize: 1, WriteTimeout: time.Second}, m, blocked)

		start := time.Now()
		for i := range 10 {
			w.Write(testResult(string(rune('a' + i))))
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Error("expected Write never to block")
		}
		close(release)
		w.Close(context.Background())

		if strings.Contains(scrape(t, m), "kestrel_audit_dropped_total 0") {
			t.Error("expected dropped records to be counted")
		}
	})

	t.Run("write after close", func(t *testing.T) {
		w := NewWriter(domain.AuditConfig{}, nil)
		w.Close(context.Background())
		w.Write(testResult("late"))
	})
}

func scrape(t *testing.T, m *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestElasticSink(t *testing.T) {
	var mu sync.Mutex
	var path string
	var doc domain.AuditRecord

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&doc)
		mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	sink, err := NewElasticSink(srv.URL, "")
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	if err := sink.Write(context.Background(), domain.NewAuditRecord(testResult("tx-9"))); err != nil {
		t.Fatalf("write: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/kestrel-audit/_doc/tenant-001:tx-9" {
		t.Errorf("unexpected index path %s", path)
	}
	if doc.TransactionID != "tx-9" || doc.Decision != domain.DecisionHold {
		t.Errorf("unexpected document %+v", doc)
	}

	t.Run("error response", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Elastic-Product", "Elasticsearch")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
		}))
		defer bad.Close()
		sink, _ := NewElasticSink(bad.URL, "audit")
		if err := sink.Write(context.Background(), domain.NewAuditRecord(testResult("tx-9"))); err == nil {
			t.Error("expected error for 400 response")
		}
	})
}
