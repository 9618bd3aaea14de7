package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/internal/infrastructure/queue"
	"github.com/pulsedeck/backend/internal/transport"
	"github.com/pulsedeck/backend/repository"
)

type staticHealth bool

func (h staticHealth) IsOnline() bool { return bool(h) }

func newWorkerQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(queue.Config{}, nil, nil)
	require.NoError(t, err)
	return q
}

func TestDrainRoutesByType(t *testing.T) {
	q := newWorkerQueue(t)
	w := NewQueueWorker(q, staticHealth(true), nil, WorkerConfig{})

	var metricsSeen, batchSeen int
	w.Handle(queue.TypeMetrics, func(context.Context, queue.Item) error {
		metricsSeen++
		return nil
	})
	w.Handle(queue.TypeBatch, func(context.Context, queue.Item) error {
		batchSeen++
		return nil
	})

	_, err := q.Enqueue(queue.Item{Type: queue.TypeMetrics, Payload: []byte(`[]`)})
	require.NoError(t, err)
	_, err = q.Enqueue(queue.Item{Type: queue.TypeBatch, Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, w.Drain(context.Background()))
	assert.Equal(t, 1, metricsSeen)
	assert.Equal(t, 1, batchSeen)
	assert.Zero(t, q.Size(), "processed items leave the queue")
}

func TestDrainSchedulesRetryOnFailure(t *testing.T) {
	q := newWorkerQueue(t)
	w := NewQueueWorker(q, staticHealth(true), nil, WorkerConfig{})
	w.Handle(queue.TypeBatch, func(context.Context, queue.Item) error {
		return errors.New("downstream unavailable")
	})

	_, err := q.Enqueue(queue.Item{Type: queue.TypeBatch, Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, w.Drain(context.Background()))

	items := q.GetItems(1)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.True(t, items[0].ScheduledAt.After(time.Now()))
}

func TestDrainSkipsWhenOffline(t *testing.T) {
	q := newWorkerQueue(t)
	w := NewQueueWorker(q, staticHealth(false), nil, WorkerConfig{})

	called := false
	w.Handle(queue.TypeMetrics, func(context.Context, queue.Item) error {
		called = true
		return nil
	})

	_, err := q.Enqueue(queue.Item{Type: queue.TypeMetrics, Payload: []byte(`[]`)})
	require.NoError(t, err)

	require.NoError(t, w.Drain(context.Background()))
	assert.False(t, called)
	assert.Equal(t, 1, q.Size())
}

func TestDrainRemovesUnhandledTypes(t *testing.T) {
	q := newWorkerQueue(t)
	w := NewQueueWorker(q, staticHealth(true), nil, WorkerConfig{})

	_, err := q.Enqueue(queue.Item{Type: queue.TypeSession, Payload: []byte(`{}`)})
	require.NoError(t, err)

	require.NoError(t, w.Drain(context.Background()))
	assert.Zero(t, q.Size())
}

type captureMetrics struct {
	rows []domain.MetricRow
}

func (c *captureMetrics) SaveBatch(_ context.Context, rows []domain.MetricRow) error {
	c.rows = append(c.rows, rows...)
	return nil
}

func (c *captureMetrics) List(context.Context, repository.MetricFilter) ([]domain.MetricRow, error) {
	return nil, nil
}

func TestMetricsHandler(t *testing.T) {
	store := &captureMetrics{}
	handler := MetricsHandler(store)

	payload, err := json.Marshal([]domain.MetricRow{
		{OrganizationID: "org-a", UserID: "u1", WindowMinutes: 1, CommandCount: 4},
	})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), queue.Item{Type: queue.TypeMetrics, Payload: payload}))
	require.Len(t, store.rows, 1)
	assert.Equal(t, int64(4), store.rows[0].CommandCount)

	err = handler(context.Background(), queue.Item{Type: queue.TypeMetrics, Payload: []byte(`not json`)})
	require.Error(t, err)
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeInvalid))
}

func TestRedeliveryHandler(t *testing.T) {
	tr := transport.NewMemory()
	var got []string
	_, err := tr.Subscribe(context.Background(), transport.OrgPattern("org-a"), func(channel string, _ []byte) {
		got = append(got, channel)
	})
	require.NoError(t, err)

	evt := domain.NewEvent(domain.EventTypeCommandExecution, "org-a", json.RawMessage(`{}`))
	payload, err := json.Marshal(evt)
	require.NoError(t, err)

	handler := RedeliveryHandler(tr)
	require.NoError(t, handler(context.Background(), queue.Item{Type: queue.TypeBatch, Payload: payload}))
	require.Len(t, got, 1)
	assert.Equal(t, transport.EventChannel("org-a", domain.EventTypeCommandExecution), got[0])
}
