package bus

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pulsedeck/backend/domain"
)

// history is the bounded per-organization event archive backing replay.
// Eviction is FIFO at capacity; the periodic sweep drops entries older than
// min(maxAge, event ttl).
type history struct {
	mu       sync.Mutex
	byOrg    map[string][]*domain.Event
	capacity int
	maxAge   time.Duration
	cache    *replayCache
}

func newHistory(capacity int, maxAge time.Duration, cache *replayCache) *history {
	return &history{
		byOrg:    make(map[string][]*domain.Event),
		capacity: capacity,
		maxAge:   maxAge,
		cache:    cache,
	}
}

// Append archives an event and refreshes the org's cache snapshot.
// The snapshot write happens outside the lock.
func (h *history) Append(ctx context.Context, evt *domain.Event) {
	h.mu.Lock()
	events := append(h.byOrg[evt.OrganizationID], evt)
	if len(events) > h.capacity {
		events = events[len(events)-h.capacity:]
	}
	h.byOrg[evt.OrganizationID] = events

	var tail []*domain.Event
	if h.cache != nil {
		tail = lastN(events, h.cache.size)
	}
	h.mu.Unlock()

	if h.cache != nil {
		h.cache.Snapshot(ctx, evt.OrganizationID, tail)
	}
}

// Query returns matching events sorted by timestamp descending, truncated to
// limit. Repeated identical queries are served from the short-TTL cache.
func (h *history) Query(ctx context.Context, orgID string, filter domain.EventFilter, limit int) []domain.Event {
	if limit <= 0 {
		limit = 100
	}

	key := queryCacheKey(orgID, filter, limit)
	if h.cache != nil {
		if rows, ok := h.cache.GetQuery(ctx, key); ok {
			return rows
		}
	}

	h.mu.Lock()
	matched := make([]domain.Event, 0, limit)
	for _, evt := range h.byOrg[orgID] {
		if filter.Matches(evt) {
			matched = append(matched, *evt)
		}
	}
	h.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Metadata.Timestamp.After(matched[j].Metadata.Timestamp)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	if h.cache != nil {
		h.cache.SetQuery(ctx, key, matched)
	}
	return matched
}

// Expire drops entries past min(maxAge, ttl) and returns the removed count.
func (h *history) Expire(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for orgID, events := range h.byOrg {
		kept := events[:0]
		for _, evt := range events {
			if evt.ExpiredAt(now, h.maxAge) {
				removed++
				continue
			}
			kept = append(kept, evt)
		}
		if len(kept) == 0 {
			delete(h.byOrg, orgID)
			continue
		}
		h.byOrg[orgID] = kept
	}
	return removed
}

func (h *history) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, events := range h.byOrg {
		total += len(events)
	}
	return total
}

func lastN(events []*domain.Event, n int) []*domain.Event {
	if n <= 0 || len(events) <= n {
		return append([]*domain.Event(nil), events...)
	}
	return append([]*domain.Event(nil), events[len(events)-n:]...)
}

func queryCacheKey(orgID string, filter domain.EventFilter, limit int) string {
	raw, _ := json.Marshal(filter)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("events:replay:%s:%d:%x", orgID, limit, sum[:8])
}

// replayCache keeps short-lived replay material in Redis: the last-N snapshot
// per organization and results of recent identical history queries. All
// operations are best-effort; a cache failure never fails the caller.
type replayCache struct {
	client *redislib.Client
	size   int
	ttl    time.Duration
	logger *zap.Logger
}

func newReplayCache(client *redislib.Client, size int, ttl time.Duration, logger *zap.Logger) *replayCache {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &replayCache{
		client: client,
		size:   size,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *replayCache) Snapshot(ctx context.Context, orgID string, events []*domain.Event) {
	payload, err := json.Marshal(events)
	if err != nil {
		return
	}
	key := fmt.Sprintf("events:history:%s", orgID)
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Debug("history snapshot write failed", zap.Error(err))
	}
}

func (c *replayCache) GetQuery(ctx context.Context, key string) ([]domain.Event, bool) {
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redislib.Nil {
			c.logger.Debug("replay cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var rows []domain.Event
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, false
	}
	return rows, true
}

func (c *replayCache) SetQuery(ctx context.Context, key string, rows []domain.Event) {
	payload, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Debug("replay cache write failed", zap.Error(err))
	}
}
