// Package audit records every screening decision off the hot path.
// Writes are queued, fanned out to sinks by background workers and never
// block or fail the caller.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Writer queues audit records for its sinks.
type Writer struct {
	sinks   []Sink
	queue   chan *domain.AuditRecord
	timeout time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewWriter starts cfg.Workers background writers.
func NewWriter(cfg domain.AuditConfig, m *metrics.Collector, sinks ...Sink) *Writer {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 50 * time.Millisecond
	}

	w := &Writer{
		sinks:   sinks,
		queue:   make(chan *domain.AuditRecord, cfg.QueueSize),
		timeout: cfg.WriteTimeout,
		metrics: m,
		logger:  slog.Default(),
	}
	w.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go w.run()
	}
	return w
}

// Write enqueues the audit form of r. It never blocks; when the queue is
// full the record is dropped and counted.
func (w *Writer) Write(r *domain.RuleEvaluationResult) {
	if r == nil {
		return
	}
	rec := domain.NewAuditRecord(r)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("audit writer closed, record dropped", "tx_id", rec.TransactionID)
		w.metrics.AuditDropped()
		return
	}
	select {
	case w.queue <- rec:
	default:
		w.logger.Warn("audit queue full, record dropped",
			"tx_id", rec.TransactionID,
			"tenant_id", rec.TenantID,
		)
		w.metrics.AuditDropped()
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for rec := range w.queue {
		for _, sink := range w.sinks {
			w.write(sink, rec)
		}
	}
}

func (w *Writer) write(sink Sink, rec *domain.AuditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := sink.Write(ctx, rec); err != nil {
		w.logger.Warn("audit write failed",
			"sink", sink.Name(),
			"tx_id", rec.TransactionID,
			"tenant_id", rec.TenantID,
			"error", err,
		)
		w.metrics.AuditWriteFailed(sink.Name())
	}
}

// Close stops accepting records and waits for the queue to drain or ctx
// to end.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
