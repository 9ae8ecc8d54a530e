// Package worker fulfills orders submitted for asynchronous processing.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/leaddesk/internal/bus"
	"github.com/opensource-finance/leaddesk/internal/domain"
	"github.com/opensource-finance/leaddesk/internal/fulfillment"
)

// Fulfiller runs fulfillment for a stored pending order.
type Fulfiller interface {
	FulfillByID(ctx context.Context, orderID string) (*fulfillment.Outcome, error)
}

// Worker consumes order requested events from the EventBus.
type Worker struct {
	bus       domain.EventBus
	fulfiller Fulfiller

	mu            sync.Mutex
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	stopped   bool
	processed int64
	failed    int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds how many orders are fulfilled at once
	Concurrency int

	// Timeout bounds a single fulfillment
	Timeout time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, fulfiller Fulfiller) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		fulfiller: fulfiller,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to order requests.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	w.sem = make(chan struct{}, cfg.Concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicOrderRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.dispatch(msg, cfg.Timeout)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("order worker started",
		"topic", domain.TopicOrderRequested,
		"concurrency", cfg.Concurrency,
	)
	return nil
}

// dispatch hands the message to a bounded goroutine so slow fulfillments do
// not block the subscription.
func (w *Worker) dispatch(msg *domain.Message, timeout time.Duration) error {
	event, err := bus.DecodeOrderEvent(msg)
	if err != nil {
		slog.Error("failed to parse order event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return nil
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		ctx, cancel := context.WithTimeout(w.ctx, timeout)
		defer cancel()
		w.process(ctx, event)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, event *domain.OrderEvent) {
	start := time.Now()

	slog.Debug("processing order",
		"order_id", event.OrderID,
		"trace_id", event.TraceID,
	)

	out, err := w.fulfiller.FulfillByID(ctx, event.OrderID)
	if errors.Is(err, fulfillment.ErrOrderClosed) {
		slog.Debug("order no longer pending, skipping",
			"order_id", event.OrderID,
		)
		return
	}
	if err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		slog.Error("async fulfillment failed",
			"order_id", event.OrderID,
			"error", err,
		)
		return
	}

	w.mu.Lock()
	w.processed++
	w.mu.Unlock()

	slog.Info("async order processed",
		"order_id", out.Order.ID,
		"status", out.Order.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight fulfillments.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.stopped = true
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.cancel()
	w.wg.Wait()

	slog.Info("order worker stopped")
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
		Processed:         w.processed,
		Failed:            w.failed,
	}
}
