package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsedeck/backend/domain"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return q
}

func TestEnqueuePriorityOrdering(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(Item{Type: TypeMetrics, Priority: PriorityLow, Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{Type: TypeMetrics, Priority: PriorityCritical, Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{Type: TypeMetrics, Priority: PriorityNormal, Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{Type: TypeMetrics, Priority: PriorityHigh, Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{Type: TypeMetrics, Priority: PriorityCritical, Payload: []byte(`{}`)})
	require.NoError(t, err)

	items := q.Dequeue(10, nil, "")
	require.Len(t, items, 5)
	for i := 1; i < len(items); i++ {
		assert.LessOrEqual(t, items[i-1].Priority, items[i].Priority,
			"dequeue order must be non-decreasing priority rank")
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t, Config{})

	first, err := q.Enqueue(Item{Type: TypeCommand, Priority: PriorityNormal, Payload: []byte(`1`)})
	require.NoError(t, err)
	second, err := q.Enqueue(Item{Type: TypeCommand, Priority: PriorityNormal, Payload: []byte(`2`)})
	require.NoError(t, err)
	third, err := q.Enqueue(Item{Type: TypeCommand, Priority: PriorityNormal, Payload: []byte(`3`)})
	require.NoError(t, err)

	items := q.Dequeue(10, nil, "")
	require.Len(t, items, 3)
	assert.Equal(t, first, items[0].ID)
	assert.Equal(t, second, items[1].ID)
	assert.Equal(t, third, items[2].ID)
}

func TestDequeueFilters(t *testing.T) {
	q := newTestQueue(t, Config{})

	_, err := q.Enqueue(Item{Type: TypeMetrics, OrganizationID: "org-a", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{Type: TypeBatch, OrganizationID: "org-a", Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{Type: TypeMetrics, OrganizationID: "org-b", Payload: []byte(`{}`)})
	require.NoError(t, err)

	byType := q.Dequeue(10, []string{TypeMetrics}, "")
	require.Len(t, byType, 2)
	for _, item := range byType {
		assert.Equal(t, TypeMetrics, item.Type)
	}

	byOrg := q.Dequeue(10, nil, "org-b")
	require.Len(t, byOrg, 1)
	assert.Equal(t, "org-b", byOrg[0].OrganizationID)
}

func TestDequeueDoesNotRemove(t *testing.T) {
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(Item{Type: TypeSession, Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.Len(t, q.Dequeue(1, nil, ""), 1)
	require.Len(t, q.Dequeue(1, nil, ""), 1, "dequeue must not remove items")

	require.NoError(t, q.MarkProcessed(id))
	assert.Empty(t, q.Dequeue(1, nil, ""))
	assert.Equal(t, int64(1), q.GetStats().Processed)
}

func TestMarkFailedSchedulesBackoff(t *testing.T) {
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(Item{Type: TypeSession, Payload: []byte(`{}`)})
	require.NoError(t, err)

	scheduled, err := q.MarkFailed(id, errors.New("downstream unavailable"), true)
	require.NoError(t, err)
	assert.True(t, scheduled)

	items := q.GetItems(1)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "downstream unavailable", items[0].LastError)
	assert.True(t, items[0].ScheduledAt.After(time.Now()), "retry must be scheduled in the future")

	// Not due anymore.
	assert.Empty(t, q.Dequeue(10, nil, ""))
}

func TestRetryPolicyBackoffMonotonic(t *testing.T) {
	for name, policy := range retryPolicies {
		prevUpper := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			delay := policy.Delay(attempt)
			assert.LessOrEqual(t, delay, policy.MaxDelay,
				"%s attempt %d: delay must never exceed max delay", name, attempt)

			base := policy.InitialDelay
			for i := 1; i < attempt; i++ {
				base = time.Duration(float64(base) * policy.Multiplier)
			}
			if base > policy.MaxDelay {
				base = policy.MaxDelay
			}
			lower := time.Duration(float64(base) * (1 - policy.JitterFactor))
			assert.GreaterOrEqual(t, delay, lower, "%s attempt %d", name, attempt)

			upper := time.Duration(float64(base) * (1 + policy.JitterFactor))
			if upper > policy.MaxDelay {
				upper = policy.MaxDelay
			}
			assert.LessOrEqual(t, delay, upper, "%s attempt %d", name, attempt)
			assert.GreaterOrEqual(t, upper, prevUpper, "%s attempt %d: envelope must grow", name, attempt)
			prevUpper = upper
		}
	}
}

func TestRetryToPermanentFailure(t *testing.T) {
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(Item{Type: TypeCommand, Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, 7, PolicyFor(TypeCommand).MaxAttempts)

	for attempt := 1; attempt <= 7; attempt++ {
		scheduled, err := q.MarkFailed(id, errors.New("boom"), true)
		require.NoError(t, err)
		if attempt < 7 {
			assert.True(t, scheduled, "attempt %d should schedule a retry", attempt)
		} else {
			assert.False(t, scheduled, "final attempt must not schedule a retry")
		}
	}

	stats := q.GetStats()
	assert.Equal(t, 1, stats.ByStatus.Failed)
	assert.Empty(t, q.Dequeue(10, nil, ""), "failed items are excluded from dequeue")

	assert.Equal(t, 1, q.ClearFailed())
	assert.Equal(t, 0, q.Size())
}

func TestEnqueueQueueFull(t *testing.T) {
	q := newTestQueue(t, Config{MaxSize: 2})

	_, err := q.Enqueue(Item{Type: TypeMetrics, Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{Type: TypeMetrics, Payload: []byte(`{}`)})
	require.NoError(t, err)

	_, err = q.Enqueue(Item{Type: TypeMetrics, Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeQueueFull))
}

func TestEnqueueMakeSpaceDropsExpired(t *testing.T) {
	q := newTestQueue(t, Config{MaxSize: 2, MaxItemAge: time.Hour})

	_, err := q.Enqueue(Item{Type: TypeMetrics, Payload: []byte(`{}`), CreatedAt: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = q.Enqueue(Item{Type: TypeMetrics, Payload: []byte(`{}`)})
	require.NoError(t, err)

	// Full, but the expired item is reclaimable.
	id, err := q.Enqueue(Item{Type: TypeMetrics, Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 2, q.Size())
	assert.Equal(t, int64(1), q.GetStats().Dropped)
}

func TestRemoveItemIdempotent(t *testing.T) {
	q := newTestQueue(t, Config{})

	id, err := q.Enqueue(Item{Type: TypeBatch, Payload: []byte(`{}`)})
	require.NoError(t, err)

	assert.True(t, q.RemoveItem(id))
	assert.False(t, q.RemoveItem(id), "removing an unknown id is a no-op")
	assert.False(t, q.RemoveItem("missing"))
}

func TestCleanupExpiresOldItems(t *testing.T) {
	q := newTestQueue(t, Config{MaxItemAge: time.Hour})

	_, err := q.Enqueue(Item{Type: TypeMetrics, Payload: []byte(`{}`), CreatedAt: time.Now().Add(-3 * time.Hour)})
	require.NoError(t, err)
	fresh, err := q.Enqueue(Item{Type: TypeMetrics, Payload: []byte(`{}`)})
	require.NoError(t, err)

	removed := q.Cleanup(time.Now())
	assert.Equal(t, 1, removed)

	items := q.GetItems(10)
	require.Len(t, items, 1)
	assert.Equal(t, fresh, items[0].ID)
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenSnapshotStore(path, "queue")
	require.NoError(t, err)

	q, err := New(Config{}, store, nil)
	require.NoError(t, err)

	_, err = q.Enqueue(Item{Type: TypeBatch, Priority: PriorityLow, OrganizationID: "org-a", Payload: []byte(`{"n":1}`)})
	require.NoError(t, err)
	critical, err := q.Enqueue(Item{Type: TypeCommand, Priority: PriorityCritical, OrganizationID: "org-a", Payload: []byte(`{"n":2}`)})
	require.NoError(t, err)

	require.NoError(t, q.Persist())
	require.NoError(t, store.Close())

	reopened, err := OpenSnapshotStore(path, "queue")
	require.NoError(t, err)
	defer reopened.Close()

	restored, err := New(Config{}, reopened, nil)
	require.NoError(t, err)

	items := restored.GetItems(10)
	require.Len(t, items, 2)
	assert.Equal(t, critical, items[0].ID, "restored queue must keep priority order")
	assert.Equal(t, PriorityCritical, items[0].Priority)
	assert.Equal(t, PriorityLow, items[1].Priority)
}

func TestSnapshotLoadEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	store, err := OpenSnapshotStore(path, "")
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, snap)
}
