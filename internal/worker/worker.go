// Package worker screens transactions that arrive on the event bus and
// publishes the decisions back to it.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/pool"
	"github.com/opensource-finance/kestrel/internal/screening"
)

// GlobalTenant is the subscription scope used when no tenants are listed.
const GlobalTenant = "_global"

var (
	// ErrEmptyMessage is returned for an ingested message without a transaction.
	ErrEmptyMessage = errors.New("message carries no transaction")

	// ErrStopped is returned for messages delivered after Stop.
	ErrStopped = errors.New("worker stopped")
)

// Evaluator screens one transaction. *screening.Screener satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, req screening.Request) *domain.RuleEvaluationResult
}

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus       domain.EventBus
	evaluator Evaluator

	mu            sync.Mutex
	subscriptions []domain.Subscription
	pool          *pool.Pool

	processed atomic.Int64
	failed    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process. Empty subscribes to the
	// GlobalTenant scope.
	TenantIDs []string

	// WorkerCount is the number of messages screened concurrently.
	WorkerCount int

	// QueueSize bounds messages waiting for a worker. When full, the bus
	// delivery goroutine screens the message itself.
	QueueSize int
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, evaluator Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		evaluator: evaluator,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}

	w.mu.Lock()
	if w.pool == nil {
		w.pool = pool.New("worker", cfg.WorkerCount, cfg.QueueSize)
	}
	w.mu.Unlock()

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{GlobalTenant}
	}

	var errs []error
	for _, tenantID := range tenants {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(tenants) {
		return errors.Join(errs...)
	}

	slog.Info("workers started",
		"tenant_count", len(tenants),
		"workers", cfg.WorkerCount,
		"topic", domain.TopicTransactionIngested,
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

// handleMessage hands the message to the worker pool and returns.
func (w *Worker) handleMessage(_ context.Context, msg *domain.Message) error {
	w.mu.Lock()
	p := w.pool
	w.mu.Unlock()
	if p == nil {
		return ErrStopped
	}
	p.Submit(func() {
		if err := w.processTransaction(w.ctx, msg); err != nil {
			w.failed.Add(1)
			slog.Error("failed to process transaction message",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"error", err,
			)
			return
		}
		w.processed.Add(1)
	})
	return nil
}

// processTransaction screens one ingested transaction and publishes the
// decision, plus an alert for HOLD and BLOCK.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var txMsg domain.TransactionMessage
	if err := bus.Decode(msg, &txMsg); err != nil {
		return err
	}
	tx := txMsg.Transaction
	if tx == nil {
		return ErrEmptyMessage
	}
	if tx.TenantID == "" && msg.TenantID != GlobalTenant {
		tx.TenantID = msg.TenantID
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = start.UTC()
	}

	result := w.evaluator.Evaluate(ctx, screening.Request{
		Transaction: tx,
		MLScore:     txMsg.MLScore,
	})

	// Replies go to the tenant scope the message came in on.
	tenantID := msg.TenantID
	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicDecision, result); err != nil {
		slog.Error("failed to publish decision",
			"tx_id", result.TransactionID,
			"error", err,
		)
	}
	if result.Alerting() {
		if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicAlert, result); err != nil {
			slog.Error("failed to publish alert",
				"tx_id", result.TransactionID,
				"error", err,
			)
		}
	}

	slog.Info("transaction processed",
		"tx_id", result.TransactionID,
		"tenant_id", result.TenantID,
		"decision", result.Decision,
		"degraded", result.Degraded,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes, waits for in-flight messages and then stops.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	p := w.pool
	w.pool = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	if p != nil {
		p.Close()
	}
	w.cancel()

	slog.Info("workers stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
