package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pulsedeck/backend/domain"
)

// Config controls queue capacity and maintenance schedules.
type Config struct {
	MaxSize         int
	MaxItemAge      time.Duration
	PersistInterval time.Duration
	CleanupInterval time.Duration
}

// Queue is a priority-ordered, persisted retry buffer. The in-memory slice is
// always sorted by (priority, createdAt); a bbolt snapshot is rewritten
// wholesale on each persistence tick and reloaded on startup.
type Queue struct {
	mu    sync.Mutex
	items []*Item
	dirty bool

	enqueued  int64
	processed int64
	dropped   int64

	cfg      Config
	snapshot *SnapshotStore
	logger   *zap.Logger
	cron     *cron.Cron
}

// New creates a queue and restores any persisted snapshot.
func New(cfg Config, snapshot *SnapshotStore, logger *zap.Logger) (*Queue, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.MaxItemAge <= 0 {
		cfg.MaxItemAge = 24 * time.Hour
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		cfg:      cfg,
		snapshot: snapshot,
		logger:   logger,
		cron:     cron.New(cron.WithSeconds()),
	}

	if snapshot != nil {
		snap, err := snapshot.Load()
		if err != nil {
			return nil, err
		}
		if snap != nil {
			for _, item := range snap.Items {
				item.normalize()
				q.insertLocked(item)
			}
			q.logger.Info("queue snapshot restored",
				zap.Int("items", len(snap.Items)),
				zap.Time("persisted_at", snap.Metadata.PersistedAt))
		}
	}

	persist := fmt.Sprintf("@every %ds", int(cfg.PersistInterval.Seconds()))
	_, _ = q.cron.AddFunc(persist, func() {
		if err := q.Persist(); err != nil {
			q.logger.Error("queue persistence failed", zap.Error(err))
		}
	})
	cleanup := fmt.Sprintf("@every %ds", int(cfg.CleanupInterval.Seconds()))
	_, _ = q.cron.AddFunc(cleanup, func() {
		if removed := q.Cleanup(time.Now()); removed > 0 {
			q.logger.Info("expired queue items removed", zap.Int("count", removed))
		}
	})

	return q, nil
}

// Start launches the persistence and cleanup schedules.
func (q *Queue) Start() {
	if q == nil || q.cron == nil {
		return
	}
	q.cron.Start()
}

// Stop halts schedules and persists the final state.
func (q *Queue) Stop() error {
	if q == nil {
		return nil
	}
	if q.cron != nil {
		<-q.cron.Stop().Done()
	}
	return q.Persist()
}

// Enqueue accepts an item, reclaiming space first when the queue is full.
func (q *Queue) Enqueue(item Item) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cfg.MaxSize {
		q.makeSpaceLocked(time.Now())
		if len(q.items) >= q.cfg.MaxSize {
			return "", domain.ErrQueueFull
		}
	}

	item.normalize()
	q.insertLocked(&item)
	q.enqueued++
	q.dirty = true
	return item.ID, nil
}

// insertLocked places the item before the first entry with strictly lower
// priority, preserving FIFO order within a priority class.
func (q *Queue) insertLocked(item *Item) {
	pos := len(q.items)
	for i, existing := range q.items {
		if existing.Priority > item.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// Dequeue returns up to limit due items matching the optional filters.
// Items are not removed; callers acknowledge via MarkProcessed or MarkFailed.
func (q *Queue) Dequeue(limit int, types []string, orgID string) []Item {
	if limit <= 0 {
		limit = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	out := make([]Item, 0, limit)
	for _, item := range q.items {
		if len(out) >= limit {
			break
		}
		if item.Failed() || !item.Due(now) {
			continue
		}
		if len(types) > 0 && !containsType(types, item.Type) {
			continue
		}
		if orgID != "" && item.OrganizationID != orgID {
			continue
		}
		out = append(out, *item)
	}
	return out
}

// MarkProcessed removes a successfully delivered item.
func (q *Queue) MarkProcessed(itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(itemID)
	if idx < 0 {
		return domain.ErrItemNotFound
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.processed++
	q.dirty = true
	return nil
}

// MarkFailed records a delivery failure and, when requested, schedules the
// next attempt using the item type's backoff policy. It returns whether a
// retry was scheduled; exhausted items stay in the queue marked failed until
// explicit cleanup.
func (q *Queue) MarkFailed(itemID string, failure error, scheduleRetry bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(itemID)
	if idx < 0 {
		return false, domain.ErrItemNotFound
	}

	item := q.items[idx]
	item.Attempts++
	if failure != nil {
		item.LastError = failure.Error()
	}
	q.dirty = true

	if !scheduleRetry || item.Failed() {
		if item.Failed() {
			q.logger.Warn("queue item permanently failed",
				zap.String("item_id", item.ID),
				zap.String("type", item.Type),
				zap.Int("attempts", item.Attempts),
				zap.String("last_error", item.LastError))
		}
		return false, nil
	}

	delay := PolicyFor(item.Type).Delay(item.Attempts)
	item.RetryAfter = delay
	item.ScheduledAt = time.Now().Add(delay)
	return true, nil
}

// RemoveItem drops an item regardless of state. Unknown ids are a no-op.
func (q *Queue) RemoveItem(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(itemID)
	if idx < 0 {
		return false
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.dirty = true
	return true
}

// ClearFailed removes all permanently failed items and returns the count.
func (q *Queue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.Failed() {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if removed > 0 {
		q.dropped += int64(removed)
		q.dirty = true
	}
	return removed
}

// GetItems returns a copy of up to limit items in queue order.
func (q *Queue) GetItems(limit int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.items) {
		limit = len(q.items)
	}
	out := make([]Item, 0, limit)
	for _, item := range q.items[:limit] {
		out = append(out, *item)
	}
	return out
}

// Size returns the number of queued items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// GetStats summarizes queue composition.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	stats := Stats{
		Size:       len(q.items),
		ByPriority: make(map[string]int),
		ByType:     make(map[string]int),
		Enqueued:   q.enqueued,
		Processed:  q.processed,
		Dropped:    q.dropped,
	}
	now := time.Now()
	for _, item := range q.items {
		stats.ByPriority[item.Priority.String()]++
		stats.ByType[item.Type]++
		switch {
		case item.Failed():
			stats.ByStatus.Failed++
		case item.Due(now):
			stats.ByStatus.Pending++
		default:
			stats.ByStatus.Scheduled++
		}
	}
	return stats
}

// Cleanup expires items older than MaxItemAge and persists if anything changed.
func (q *Queue) Cleanup(now time.Time) int {
	q.mu.Lock()
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if now.Sub(item.CreatedAt) > q.cfg.MaxItemAge {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if removed > 0 {
		q.dropped += int64(removed)
		q.dirty = true
	}
	dirty := q.dirty
	q.mu.Unlock()

	if removed > 0 && dirty {
		if err := q.Persist(); err != nil {
			q.logger.Error("queue persistence after cleanup failed", zap.Error(err))
		}
	}
	return removed
}

// Persist writes the full queue to the snapshot store. The item set is copied
// out under the lock; the write happens without it.
func (q *Queue) Persist() error {
	if q == nil || q.snapshot == nil {
		return nil
	}

	q.mu.Lock()
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	items := make([]*Item, len(q.items))
	for i, item := range q.items {
		clone := *item
		items[i] = &clone
	}
	stats := q.statsLocked()
	q.dirty = false
	q.mu.Unlock()

	snap := Snapshot{
		Items: items,
		Metadata: SnapshotMetadata{
			PersistedAt: time.Now(),
			Version:     snapshotVersion,
			Stats:       stats,
		},
	}
	if err := q.snapshot.Save(snap); err != nil {
		q.mu.Lock()
		q.dirty = true
		q.mu.Unlock()
		return domain.WrapError(domain.ErrCodeStorage, "queue snapshot write failed", err)
	}
	return nil
}

// makeSpaceLocked reclaims capacity: expired items first, then the oldest
// permanently failed low-priority items.
func (q *Queue) makeSpaceLocked(now time.Time) {
	kept := q.items[:0]
	for _, item := range q.items {
		if now.Sub(item.CreatedAt) > q.cfg.MaxItemAge {
			q.dropped++
			q.dirty = true
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept

	if len(q.items) < q.cfg.MaxSize {
		return
	}

	kept = q.items[:0]
	for _, item := range q.items {
		if item.Priority == PriorityLow && item.Failed() {
			q.dropped++
			q.dirty = true
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
}

func (q *Queue) indexLocked(itemID string) int {
	for i, item := range q.items {
		if item.ID == itemID {
			return i
		}
	}
	return -1
}

func containsType(types []string, t string) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
