package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New("test", 4, 16)
	defer p.Close()

	var n atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()

	if n.Load() != 100 {
		t.Errorf("expected 100 tasks, got %d", n.Load())
	}
}

func TestPoolCallerRuns(t *testing.T) {
	p := New("saturated", 1, 1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-release
	})
	<-started
	p.Submit(func() {}) // fills the queue

	ran := false
	p.Submit(func() { ran = true })
	if !ran {
		t.Error("expected task to run on the caller when the queue is full")
	}
	if p.Stats().CallerRuns != 1 {
		t.Errorf("expected 1 caller run, got %d", p.Stats().CallerRuns)
	}
	close(release)
}

func TestPoolDo(t *testing.T) {
	p := New("do", 2, 4)
	defer p.Close()

	t.Run("returns result", func(t *testing.T) {
		want := errors.New("boom")
		if err := p.Do(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
			t.Errorf("expected %v, got %v", want, err)
		}
	})

	t.Run("honours deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := p.Do(ctx, func(context.Context) error {
			time.Sleep(200 * time.Millisecond)
			return nil
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})

	t.Run("skips cancelled work", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := p.Do(ctx, func(context.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected canceled, got %v", err)
		}
		time.Sleep(10 * time.Millisecond)
		if called {
			t.Error("expected cancelled work not to run")
		}
	})
}

func TestPoolRecoversPanic(t *testing.T) {
	p := New("panic", 1, 1)
	defer p.Close()

	p.Submit(func() { panic("boom") })
	if err := p.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("expected pool to survive a panic, got %v", err)
	}
}

func TestPoolClose(t *testing.T) {
	p := New("close", 2, 8)
	var n atomic.Int32
	for range 8 {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			n.Add(1)
		})
	}
	p.Close()
	if n.Load() != 8 {
		t.Errorf("expected queued tasks to drain, got %d", n.Load())
	}

	ran := false
	p.Submit(func() { ran = true })
	if !ran {
		t.Error("expected submit after close to run on the caller")
	}
	p.Close()
}
