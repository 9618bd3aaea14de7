package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/internal/infrastructure/queue"
	"github.com/pulsedeck/backend/internal/transport"
	"github.com/pulsedeck/backend/repository"
)

// ConnectionHealth abstracts the connection monitor functionality.
type ConnectionHealth interface {
	IsOnline() bool
}

// ItemHandler processes one due queue item. Returning an error schedules a
// retry under the item type's backoff policy.
type ItemHandler func(ctx context.Context, item queue.Item) error

// WorkerConfig controls how frequently the queue is drained.
type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// QueueWorker drains due items from the durable queue and routes them to
// per-type handlers. Draining is gated on connection health so outbound work
// is not burned through retry budgets while downstreams are unreachable.
type QueueWorker struct {
	queue    *queue.Queue
	monitor  ConnectionHealth
	handlers map[string]ItemHandler
	logger   *zap.Logger
	cron     *cron.Cron
	cfg      WorkerConfig
}

func NewQueueWorker(
	q *queue.Queue,
	monitor ConnectionHealth,
	logger *zap.Logger,
	cfg WorkerConfig,
) *QueueWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &QueueWorker{
		queue:    q,
		monitor:  monitor,
		handlers: make(map[string]ItemHandler),
		logger:   logger,
		cfg:      cfg,
		cron:     cron.New(cron.WithSeconds()),
	}

	schedule := fmt.Sprintf("@every %ds", int(cfg.Interval.Seconds()))
	_, _ = w.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		defer cancel()
		if err := w.Drain(ctx); err != nil {
			w.logger.Error("queue drain failed", zap.Error(err))
		}
	})

	return w
}

// Handle registers the handler for a queue item type. Items without a handler
// are removed with a warning, not retried forever.
func (w *QueueWorker) Handle(itemType string, handler ItemHandler) {
	w.handlers[itemType] = handler
}

// Start launches the cron scheduler.
func (w *QueueWorker) Start() {
	if w == nil || w.cron == nil {
		return
	}
	w.cron.Start()
	w.logger.Info("queue worker started")
}

// Stop gracefully stops the scheduler.
func (w *QueueWorker) Stop(ctx context.Context) {
	if w == nil || w.cron == nil {
		return
	}
	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	w.logger.Info("queue worker stopped")
}

// Drain processes due queue items synchronously.
func (w *QueueWorker) Drain(ctx context.Context) error {
	if w == nil || w.queue == nil {
		return nil
	}
	if w.monitor != nil && !w.monitor.IsOnline() {
		w.logger.Debug("skipping queue drain (offline)")
		return nil
	}

	items := w.queue.Dequeue(w.cfg.BatchSize, nil, "")
	for _, item := range items {
		handler, ok := w.handlers[item.Type]
		if !ok {
			w.logger.Warn("removing queue item without handler",
				zap.String("item_id", item.ID),
				zap.String("type", item.Type))
			w.queue.RemoveItem(item.ID)
			continue
		}

		if err := handler(ctx, item); err != nil {
			w.logger.Error("queue item processing failed",
				zap.String("item_id", item.ID),
				zap.String("type", item.Type),
				zap.Int("attempts", item.Attempts+1),
				zap.Error(err))
			if _, mErr := w.queue.MarkFailed(item.ID, err, true); mErr != nil {
				w.logger.Warn("failed to record queue failure", zap.Error(mErr))
			}
			continue
		}

		if err := w.queue.MarkProcessed(item.ID); err != nil {
			w.logger.Warn("failed to remove processed queue item", zap.Error(err))
		}
	}
	return nil
}

// Size returns the number of queued items.
func (w *QueueWorker) Size() int {
	if w == nil || w.queue == nil {
		return 0
	}
	return w.queue.Size()
}

// MetricsHandler persists batches of flushed metric rows.
func MetricsHandler(metrics repository.MetricRepository) ItemHandler {
	return func(ctx context.Context, item queue.Item) error {
		var rows []domain.MetricRow
		if err := json.Unmarshal(item.Payload, &rows); err != nil {
			return domain.WrapError(domain.ErrCodeInvalid, "malformed metrics payload", err)
		}
		return metrics.SaveBatch(ctx, rows)
	}
}

// RedeliveryHandler republishes events whose original transport publish failed.
func RedeliveryHandler(tr transport.Transport) ItemHandler {
	return func(ctx context.Context, item queue.Item) error {
		var evt domain.Event
		if err := json.Unmarshal(item.Payload, &evt); err != nil {
			return domain.WrapError(domain.ErrCodeInvalid, "malformed event payload", err)
		}
		channel := transport.EventChannel(evt.OrganizationID, evt.Type)
		return tr.Publish(ctx, channel, item.Payload)
	}
}
