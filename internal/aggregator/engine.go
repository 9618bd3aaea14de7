package aggregator

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/repository"
)

// Config controls the aggregation engine. Zero values pick the defaults.
type Config struct {
	WindowSizes       []time.Duration // default 1m, 5m, 15m, 1h
	FlushInterval     time.Duration   // default 30s
	FlushLag          time.Duration   // default 1m, shields late in-order events
	DeadLetterLimit   int             // default 1000
	RetryDelay        time.Duration   // dead-letter retry interval, default 30s
	MaxRetries        int             // dead-letter attempts before drop, default 3
	MemoryInterval    time.Duration   // sampler period, default 10s
	MaxMemoryUsageMB  int             // default 512
	MemoryWatermark   float64         // high-memory threshold, default 0.9
	OnHighMemory      func(bool)      // edge-triggered backpressure signal
	OnPermanentlyFail func(*domain.Event, string)
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Ingested          int64 `json:"ingested"`
	OpenBuckets       int   `json:"open_buckets"`
	FlushedRows       int64 `json:"flushed_rows"`
	DeadLettered      int64 `json:"dead_lettered"`
	DeadLetterPending int   `json:"dead_letter_pending"`
	PermanentFailures int64 `json:"permanent_failures"`
	HighMemory        bool  `json:"high_memory"`
}

type deadLetter struct {
	event     *domain.Event
	reason    string
	timestamp time.Time
	retries   int
}

// Engine folds raw telemetry into per-window buckets and periodically flushes
// closed windows into metric storage. Buckets stay in the map until their
// write succeeds, so a failed flush retries on the next tick.
type Engine struct {
	cfg    Config
	store  repository.MetricRepository
	logger *zap.Logger

	mu      sync.Mutex
	buckets map[time.Duration]map[bucketKey]*bucket
	dead    []*deadLetter

	ingested     atomic.Int64
	flushedRows  atomic.Int64
	deadLettered atomic.Int64
	permFailed   atomic.Int64
	highMemory   atomic.Bool

	stopCh       chan struct{}
	stopOnce     sync.Once
	flushRunning atomic.Bool
	retryRunning atomic.Bool
}

// New creates an aggregation engine and starts its flush, dead-letter retry,
// and memory sampler loops.
func New(cfg Config, store repository.MetricRepository, logger *zap.Logger) *Engine {
	if len(cfg.WindowSizes) == 0 {
		cfg.WindowSizes = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.FlushLag <= 0 {
		cfg.FlushLag = time.Minute
	}
	if cfg.DeadLetterLimit <= 0 {
		cfg.DeadLetterLimit = 1000
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MemoryInterval <= 0 {
		cfg.MemoryInterval = 10 * time.Second
	}
	if cfg.MaxMemoryUsageMB <= 0 {
		cfg.MaxMemoryUsageMB = 512
	}
	if cfg.MemoryWatermark <= 0 || cfg.MemoryWatermark > 1 {
		cfg.MemoryWatermark = 0.9
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		buckets: make(map[time.Duration]map[bucketKey]*bucket, len(cfg.WindowSizes)),
		stopCh:  make(chan struct{}),
	}
	for _, size := range cfg.WindowSizes {
		e.buckets[size] = make(map[bucketKey]*bucket)
	}

	go e.flushLoop()
	go e.retryLoop()
	go e.memoryLoop()

	return e
}

// Ingest validates an event and folds it into every configured window size.
// Validation failures are returned without side effects; a folding failure
// parks the event on the dead-letter list and still reports the error.
func (e *Engine) Ingest(evt *domain.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if evt.Metadata.Timestamp.IsZero() {
		evt.Metadata.Timestamp = time.Now()
	}

	if err := e.foldAll(evt); err != nil {
		e.pushDeadLetter(evt, err)
		return err
	}

	e.ingested.Add(1)
	return nil
}

// foldAll applies the event to its bucket in every window size. The payload is
// decoded before the lock is taken; a rejected event therefore creates no
// bucket in any window. Bucket mutation order within one key follows arrival
// order under the mutex.
func (e *Engine) foldAll(evt *domain.Event) error {
	d, err := decodeDelta(evt)
	if err != nil {
		return err
	}
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, size := range e.cfg.WindowSizes {
		start := windowFloor(evt.Metadata.Timestamp, size)
		key := bucketKey{
			orgID:       evt.OrganizationID,
			userID:      evt.UserID,
			windowStart: start.UnixNano(),
		}
		b, ok := e.buckets[size][key]
		if !ok {
			b = &bucket{
				windowStart:    start,
				windowSize:     size,
				organizationID: evt.OrganizationID,
				userID:         evt.UserID,
			}
			e.buckets[size][key] = b
		}
		b.apply(d, now)
	}
	return nil
}

// pushDeadLetter parks a failed event for later retry. The list is bounded;
// at capacity the oldest entry is dropped and counted as a permanent failure.
func (e *Engine) pushDeadLetter(evt *domain.Event, cause error) {
	entry := &deadLetter{
		event:     evt,
		reason:    cause.Error(),
		timestamp: time.Now(),
	}

	e.mu.Lock()
	if len(e.dead) >= e.cfg.DeadLetterLimit {
		dropped := e.dead[0]
		e.dead = e.dead[1:]
		e.mu.Unlock()
		e.permanentlyFail(dropped, "dead-letter list full")
		e.mu.Lock()
	}
	e.dead = append(e.dead, entry)
	e.mu.Unlock()

	e.deadLettered.Add(1)
	e.logger.Warn("event dead-lettered",
		zap.String("event_id", evt.ID),
		zap.String("type", evt.Type),
		zap.String("reason", entry.reason))
}

func (e *Engine) permanentlyFail(entry *deadLetter, reason string) {
	e.permFailed.Add(1)
	e.logger.Error("event permanently failed",
		zap.String("event_id", entry.event.ID),
		zap.String("type", entry.event.Type),
		zap.Int("retries", entry.retries),
		zap.String("reason", reason))
	if e.cfg.OnPermanentlyFail != nil {
		e.cfg.OnPermanentlyFail(entry.event, reason)
	}
}

// GetCurrentAggregations computes metric rows from the open buckets without
// flushing them. An empty orgID returns every organization.
func (e *Engine) GetCurrentAggregations(orgID string) []domain.MetricRow {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var rows []domain.MetricRow
	for _, size := range e.cfg.WindowSizes {
		for _, b := range e.buckets[size] {
			if orgID != "" && b.organizationID != orgID {
				continue
			}
			rows = append(rows, b.row(now))
		}
	}
	return rows
}

// Flush writes every flush-eligible bucket to storage and removes the written
// ones. Buckets updated while the write was in flight stay in the map and
// re-flush on the next tick; the storage upsert makes that harmless.
func (e *Engine) Flush(ctx context.Context) error {
	now := time.Now()

	type flushed struct {
		size    time.Duration
		key     bucketKey
		updated time.Time
	}

	e.mu.Lock()
	var rows []domain.MetricRow
	var keys []flushed
	for _, size := range e.cfg.WindowSizes {
		for key, b := range e.buckets[size] {
			if !b.flushEligible(now, e.cfg.FlushLag) {
				continue
			}
			rows = append(rows, b.row(now))
			keys = append(keys, flushed{size: size, key: key, updated: b.lastUpdated})
		}
	}
	e.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	if err := e.store.SaveBatch(ctx, rows); err != nil {
		e.logger.Error("metric flush failed, retaining buckets",
			zap.Int("rows", len(rows)), zap.Error(err))
		return domain.WrapError(domain.ErrCodeStorage, "metric flush failed", err)
	}

	e.mu.Lock()
	for _, f := range keys {
		if b, ok := e.buckets[f.size][f.key]; ok && b.lastUpdated.Equal(f.updated) {
			delete(e.buckets[f.size], f.key)
		}
	}
	e.mu.Unlock()

	e.flushedRows.Add(int64(len(rows)))
	e.logger.Info("aggregation windows flushed", zap.Int("rows", len(rows)))
	return nil
}

func (e *Engine) flushLoop() {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !e.flushRunning.CompareAndSwap(false, true) {
				continue
			}
			if err := e.Flush(context.Background()); err != nil {
				e.logger.Warn("scheduled flush failed", zap.Error(err))
			}
			e.flushRunning.Store(false)
		case <-e.stopCh:
			return
		}
	}
}

// retryDeadLetters re-ingests parked events older than the retry delay.
func (e *Engine) retryDeadLetters(now time.Time) {
	e.mu.Lock()
	due := make([]*deadLetter, 0, len(e.dead))
	kept := e.dead[:0]
	for _, entry := range e.dead {
		if now.Sub(entry.timestamp) >= e.cfg.RetryDelay {
			due = append(due, entry)
			continue
		}
		kept = append(kept, entry)
	}
	e.dead = kept
	e.mu.Unlock()

	for _, entry := range due {
		if err := e.foldAll(entry.event); err == nil {
			e.ingested.Add(1)
			continue
		}
		entry.retries++
		entry.timestamp = now
		if entry.retries >= e.cfg.MaxRetries {
			e.permanentlyFail(entry, "retries exhausted")
			continue
		}
		e.mu.Lock()
		e.dead = append(e.dead, entry)
		e.mu.Unlock()
	}
}

func (e *Engine) retryLoop() {
	ticker := time.NewTicker(e.cfg.RetryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !e.retryRunning.CompareAndSwap(false, true) {
				continue
			}
			e.retryDeadLetters(time.Now())
			e.retryRunning.Store(false)
		case <-e.stopCh:
			return
		}
	}
}

// memoryLoop samples heap usage and raises the high-memory signal when it
// crosses the watermark. Callers use HighMemory as a backpressure trigger.
func (e *Engine) memoryLoop() {
	ticker := time.NewTicker(e.cfg.MemoryInterval)
	defer ticker.Stop()

	threshold := uint64(float64(e.cfg.MaxMemoryUsageMB) * e.cfg.MemoryWatermark * 1024 * 1024)

	for {
		select {
		case <-ticker.C:
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			high := stats.HeapAlloc >= threshold
			if e.highMemory.Swap(high) != high {
				if high {
					e.logger.Warn("memory watermark crossed",
						zap.Uint64("heap_alloc", stats.HeapAlloc),
						zap.Uint64("threshold", threshold))
				} else {
					e.logger.Info("memory pressure relieved")
				}
				if e.cfg.OnHighMemory != nil {
					e.cfg.OnHighMemory(high)
				}
			}
		case <-e.stopCh:
			return
		}
	}
}

// HighMemory reports the current backpressure signal.
func (e *Engine) HighMemory() bool {
	return e.highMemory.Load()
}

// GetStats returns the engine counters.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	open := 0
	for _, size := range e.cfg.WindowSizes {
		open += len(e.buckets[size])
	}
	pending := len(e.dead)
	e.mu.Unlock()

	return Stats{
		Ingested:          e.ingested.Load(),
		OpenBuckets:       open,
		FlushedRows:       e.flushedRows.Load(),
		DeadLettered:      e.deadLettered.Load(),
		DeadLetterPending: pending,
		PermanentFailures: e.permFailed.Load(),
		HighMemory:        e.highMemory.Load(),
	}
}

// Close stops the loops and performs a final best-effort flush of everything,
// eligible or not, so a clean shutdown does not lose open windows.
func (e *Engine) Close(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	e.mu.Lock()
	now := time.Now()
	var rows []domain.MetricRow
	for _, size := range e.cfg.WindowSizes {
		for key, b := range e.buckets[size] {
			rows = append(rows, b.row(now))
			delete(e.buckets[size], key)
		}
	}
	e.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := e.store.SaveBatch(ctx, rows); err != nil {
		return domain.WrapError(domain.ErrCodeStorage, "final flush failed", err)
	}
	e.flushedRows.Add(int64(len(rows)))
	return nil
}
