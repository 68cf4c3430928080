package rules

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	defs    []*domain.RuleDefinition
	err     error
	entered chan struct{}
	block   chan struct{}
}

func (s *memStore) ListEnabledRules(ctx context.Context) ([]*domain.RuleDefinition, error) {
	if s.block != nil {
		close(s.entered)
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*domain.RuleDefinition, len(s.defs))
	copy(out, s.defs)
	return out, nil
}

func (s *memStore) set(defs ...*domain.RuleDefinition) {
	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
}

func newTestRegistry(t *testing.T, store domain.RuleStore) *Registry {
	t.Helper()
	c, _ := newTestCompiler(t)
	return NewRegistry(store, c, nil)
}

func TestRegistryReload(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	reg := newTestRegistry(t, store)

	if reg.Current() != nil {
		t.Fatal("expected no active set before first reload")
	}

	t.Run("success", func(t *testing.T) {
		store.set(
			exprRule("HIGH", 10, "amount > 5000.0", domain.ActionHold),
			compiledRule("C", 5, `{"when":{"field":"amount","op":">","value":1}}`),
		)
		report, err := reg.Reload(ctx)
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if !report.Success || report.Version != 1 {
			t.Errorf("expected success at version 1, got %+v", report)
		}
		if report.ExpressionRules != 1 || report.CompiledRules != 1 {
			t.Errorf("unexpected counts %+v", report)
		}
		if reg.Current().Version != 1 {
			t.Errorf("expected active version 1, got %d", reg.Current().Version)
		}
	})

	t.Run("invalid snapshot retains last known good", func(t *testing.T) {
		store.set(exprRule("BROKEN", 10, "amount >>> 1", domain.ActionHold))
		report, err := reg.Reload(ctx)
		if !errors.Is(err, ErrInvalidRuleSet) {
			t.Fatalf("expected ErrInvalidRuleSet, got %v", err)
		}
		if report.Success || !report.Retained {
			t.Errorf("expected failed reload with retention, got %+v", report)
		}
		if len(report.Diagnostics) != 1 || report.Diagnostics[0].Rule != "BROKEN" {
			t.Errorf("unexpected diagnostics %v", report.Diagnostics)
		}
		if cur := reg.Current(); cur.Version != 1 || cur.Expressions[0].Name != "HIGH" {
			t.Errorf("expected version 1 to stay active")
		}
		if st := reg.Status(); st.LastError == "" || st.Version != 1 {
			t.Errorf("unexpected status %+v", st)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		store.err = errors.New("db down")
		defer func() { store.err = nil }()
		report, err := reg.Reload(ctx)
		if err == nil || !report.Retained {
			t.Errorf("expected retained failure, got %+v err=%v", report, err)
		}
	})

	t.Run("empty snapshot swaps", func(t *testing.T) {
		store.set()
		report, err := reg.Reload(ctx)
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if report.Version != 2 || !reg.Current().Empty() {
			t.Errorf("expected empty set at version 2, got %+v", report)
		}
		if st := reg.Status(); st.LastError != "" {
			t.Errorf("expected last error cleared, got %q", st.LastError)
		}
	})
}

func TestRegistryFirstReloadFails(t *testing.T) {
	store := &memStore{defs: []*domain.RuleDefinition{exprRule("BAD", 1, "(", domain.ActionHold)}}
	reg := newTestRegistry(t, store)

	report, err := reg.Reload(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if report.Retained {
		t.Error("nothing to retain on first reload")
	}
	if reg.Current() != nil {
		t.Error("expected tiers to stay unavailable")
	}
}

func TestRegistryNoStore(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if _, err := reg.Reload(context.Background()); !errors.Is(err, ErrNoRuleStore) {
		t.Errorf("expected ErrNoRuleStore, got %v", err)
	}
}

func TestRegistryRejectsConcurrentReload(t *testing.T) {
	store := &memStore{entered: make(chan struct{}), block: make(chan struct{})}
	reg := newTestRegistry(t, store)

	done := make(chan error, 1)
	go func() {
		_, err := reg.Reload(context.Background())
		done <- err
	}()

	<-store.entered

	if _, err := reg.Reload(context.Background()); !errors.Is(err, ErrReloadInProgress) {
		t.Errorf("expected ErrReloadInProgress, got %v", err)
	}
	close(store.block)
	if err := <-done; err != nil {
		t.Errorf("first reload failed: %v", err)
	}
}

func TestRegistryOnReload(t *testing.T) {
	reg := newTestRegistry(t, &memStore{})
	var calls atomic.Int32
	reg.OnReload(func(ReloadReport) { calls.Add(1) })
	reg.Reload(context.Background())
	if calls.Load() != 1 {
		t.Errorf("expected hook to run once, got %d", calls.Load())
	}
}

// Run with -race: readers must always see one complete set.
func TestRegistryAtomicSwap(t *testing.T) {
	store := &memStore{}
	reg := newTestRegistry(t, store)
	exec := reg.compiler.exec
	engine := NewSessionEngine(nil)

	ruleFor := func(v int) []*domain.RuleDefinition {
		if v%2 == 0 {
			return []*domain.RuleDefinition{
				exprRule("EVEN_A", 2, "amount > 0.0", domain.ActionHold),
				compiledRule("EVEN_B", 1, `{"when":{"field":"amount","op":">","value":0}}`),
			}
		}
		return []*domain.RuleDefinition{
			exprRule("ODD_A", 2, "amount > 0.0", domain.ActionBlock),
			compiledRule("ODD_B", 1, `{"when":{"field":"amount","op":">","value":0},"then":{"decision":"BLOCK"}}`),
		}
	}
	store.set(ruleFor(0)...)
	if _, err := reg.Reload(context.Background()); err != nil {
		t.Fatalf("initial reload: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				set := reg.Current()
				f := testFact(100, "US")
				NewExpressionTier(exec, set).Evaluate(context.Background(), f)
				engine.Evaluate(set, f)
				if len(f.TriggeredRules) != 2 {
					t.Errorf("expected 2 rules from one set, got %v", f.TriggeredRules)
					return
				}
				if f.TriggeredRules[0][:3] != f.TriggeredRules[1][:3] {
					t.Errorf("mixed rule sets: %v", f.TriggeredRules)
					return
				}
			}
		}()
	}

	for i := 1; i <= 50; i++ {
		store.set(ruleFor(i)...)
		if _, err := reg.Reload(context.Background()); err != nil {
			t.Fatalf("reload %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	if v := reg.Current().Version; v != 51 {
		t.Errorf("expected version 51, got %d", v)
	}
}
