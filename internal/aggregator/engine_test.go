package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/repository"
)

// memStore is an in-memory MetricRepository that can fail on demand.
type memStore struct {
	mu       sync.Mutex
	batches  [][]domain.MetricRow
	failures int
}

func (s *memStore) SaveBatch(_ context.Context, rows []domain.MetricRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("storage unavailable")
	}
	s.batches = append(s.batches, append([]domain.MetricRow(nil), rows...))
	return nil
}

func (s *memStore) List(context.Context, repository.MetricFilter) ([]domain.MetricRow, error) {
	return nil, nil
}

func (s *memStore) rows() []domain.MetricRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.MetricRow
	for _, batch := range s.batches {
		all = append(all, batch...)
	}
	return all
}

func newTestEngine(t *testing.T, cfg Config, store repository.MetricRepository) *Engine {
	t.Helper()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Hour
	}
	e := New(cfg, store, nil)
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func telemetryEvent(t *testing.T, eventType, orgID, userID string, ts time.Time, payload interface{}) *domain.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	evt := domain.NewEvent(eventType, orgID, data)
	evt.UserID = userID
	evt.Metadata.Timestamp = ts
	return evt
}

func findRow(rows []domain.MetricRow, windowMinutes int) (domain.MetricRow, bool) {
	for _, row := range rows {
		if row.WindowMinutes == windowMinutes {
			return row, true
		}
	}
	return domain.MetricRow{}, false
}

func TestWindowFloor(t *testing.T) {
	ts := time.Date(2026, 8, 31, 14, 37, 42, 123, time.UTC)

	cases := []struct {
		size time.Duration
		want time.Time
	}{
		{time.Minute, time.Date(2026, 8, 31, 14, 37, 0, 0, time.UTC)},
		{5 * time.Minute, time.Date(2026, 8, 31, 14, 35, 0, 0, time.UTC)},
		{15 * time.Minute, time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)},
		{time.Hour, time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		start := windowFloor(ts, tc.size)
		assert.Equal(t, tc.want, start, "window %s", tc.size)
		assert.False(t, ts.Before(start), "start <= t")
		assert.True(t, ts.Before(start.Add(tc.size)), "t < end")
	}
}

func TestIngestRejectsInvalid(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, Config{}, store)

	err := e.Ingest(&domain.Event{Type: domain.EventTypeCommandExecution})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
	assert.Zero(t, e.GetStats().DeadLetterPending, "validation failures are not dead-lettered")
}

func TestRejectedEventLeavesNoBucket(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, Config{}, store)

	// Closed window, so an accidentally created bucket would be flushed below.
	ts := time.Now().Add(-2 * time.Hour)
	evt := telemetryEvent(t, domain.EventTypeCommandExecution, "org-a", "u1", ts, "not an object")

	err := e.Ingest(evt)
	require.Error(t, err)

	assert.Empty(t, e.GetCurrentAggregations("org-a"), "rejected event must not open a bucket")
	assert.Zero(t, e.GetStats().OpenBuckets)
	assert.Equal(t, 1, e.GetStats().DeadLetterPending)

	require.NoError(t, e.Flush(context.Background()))
	assert.Empty(t, store.rows(), "rejected event must not produce metric rows")
}

func TestAggregationRollup(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, Config{}, store)

	// Two hours back: every window size has closed by now.
	ts := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Hour).Add(30 * time.Second)

	for i := 0; i < 10; i++ {
		status := "ok"
		if i < 2 {
			status = "error"
		}
		evt := telemetryEvent(t, domain.EventTypeCommandExecution, "org-a", "u1", ts,
			commandExecutionPayload{Command: "deploy", ExecutionTimeMs: 100, Status: status})
		require.NoError(t, e.Ingest(evt))
	}

	require.NoError(t, e.Flush(context.Background()))

	rows := store.rows()
	require.Len(t, rows, 4, "one row per window size")

	minute, ok := findRow(rows, 1)
	require.True(t, ok)
	assert.Equal(t, int64(10), minute.CommandCount)
	assert.Equal(t, int64(2), minute.ErrorCount)
	assert.InDelta(t, 0.2, minute.ErrorRate, 1e-9)
	assert.InDelta(t, 600.0, minute.CommandsPerHour, 1e-9)
	assert.InDelta(t, 100.0, minute.AvgExecutionMs, 1e-9)

	hour, ok := findRow(rows, 60)
	require.True(t, ok)
	assert.InDelta(t, 10.0, hour.CommandsPerHour, 1e-9)
}

func TestFlushIdempotence(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, Config{}, store)

	ts := time.Now().Add(-2 * time.Hour)
	evt := telemetryEvent(t, domain.EventTypeAgentInteraction, "org-a", "u1", ts,
		agentInteractionPayload{Agent: "planner"})
	require.NoError(t, e.Ingest(evt))

	require.NoError(t, e.Flush(context.Background()))
	written := len(store.rows())
	require.Positive(t, written)
	assert.Zero(t, e.GetStats().OpenBuckets)

	// Nothing new ingested: a second tick writes nothing.
	require.NoError(t, e.Flush(context.Background()))
	assert.Len(t, store.rows(), written)
}

func TestFlushFailureRetainsBuckets(t *testing.T) {
	store := &memStore{failures: 1}
	e := newTestEngine(t, Config{}, store)

	ts := time.Now().Add(-2 * time.Hour)
	evt := telemetryEvent(t, domain.EventTypeUserSession, "org-a", "u1", ts,
		userSessionPayload{Action: "start"})
	require.NoError(t, e.Ingest(evt))

	err := e.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsDomainError(err, domain.ErrCodeStorage))
	assert.Positive(t, e.GetStats().OpenBuckets, "failed flush must retain buckets")

	require.NoError(t, e.Flush(context.Background()))
	assert.Zero(t, e.GetStats().OpenBuckets)
	assert.NotEmpty(t, store.rows())
}

func TestFlushSkipsOpenWindows(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, Config{}, store)

	evt := telemetryEvent(t, domain.EventTypeCommandExecution, "org-a", "u1", time.Now(),
		commandExecutionPayload{Command: "ls", ExecutionTimeMs: 5, Status: "ok"})
	require.NoError(t, e.Ingest(evt))

	require.NoError(t, e.Flush(context.Background()))
	assert.Empty(t, store.rows(), "current windows are still open")
	assert.Positive(t, e.GetStats().OpenBuckets)
}

func TestGetCurrentAggregations(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, Config{}, store)

	now := time.Now()
	require.NoError(t, e.Ingest(telemetryEvent(t, domain.EventTypeCommandExecution, "org-a", "u1", now,
		commandExecutionPayload{Command: "ls", ExecutionTimeMs: 5, Status: "ok"})))
	require.NoError(t, e.Ingest(telemetryEvent(t, domain.EventTypeCommandExecution, "org-b", "u2", now,
		commandExecutionPayload{Command: "ls", ExecutionTimeMs: 5, Status: "ok"})))

	all := e.GetCurrentAggregations("")
	assert.Len(t, all, 8, "two orgs across four window sizes")

	orgA := e.GetCurrentAggregations("org-a")
	require.Len(t, orgA, 4)
	for _, row := range orgA {
		assert.Equal(t, "org-a", row.OrganizationID)
		assert.Equal(t, int64(1), row.CommandCount)
	}
}

func TestProductivityMean(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, Config{}, store)

	ts := time.Now().Add(-2 * time.Hour)
	for _, score := range []float64{0.5, 0.7, 0.9} {
		require.NoError(t, e.Ingest(telemetryEvent(t, domain.EventTypeProductivityMetric, "org-a", "u1", ts,
			productivityMetricPayload{Score: score})))
	}

	require.NoError(t, e.Flush(context.Background()))
	minute, ok := findRow(store.rows(), 1)
	require.True(t, ok)
	assert.InDelta(t, 0.7, minute.AvgProductivity, 1e-9)
}

func TestDeadLetterRetryAndPermanentFailure(t *testing.T) {
	store := &memStore{}
	var failed []string
	e := newTestEngine(t, Config{
		MaxRetries: 3,
		RetryDelay: time.Minute,
		OnPermanentlyFail: func(evt *domain.Event, _ string) {
			failed = append(failed, evt.ID)
		},
	}, store)

	evt := domain.NewEvent(domain.EventTypeCommandExecution, "org-a", json.RawMessage(`not json`))
	evt.UserID = "u1"
	require.Error(t, e.Ingest(evt))
	require.Equal(t, 1, e.GetStats().DeadLetterPending)

	// Still malformed on each retry. Each pass moves the clock past the
	// reset entry timestamp.
	base := time.Now()
	for i := 0; i < 2; i++ {
		e.retryDeadLetters(base.Add(time.Duration(i+1) * 2 * time.Hour))
		assert.Equal(t, 1, e.GetStats().DeadLetterPending, "retry %d keeps the entry parked", i+1)
	}
	e.retryDeadLetters(base.Add(6 * time.Hour))

	stats := e.GetStats()
	assert.Zero(t, stats.DeadLetterPending)
	assert.Equal(t, int64(1), stats.PermanentFailures)
	assert.Equal(t, []string{evt.ID}, failed)
}

func TestDeadLetterRetrySucceedsAfterFix(t *testing.T) {
	store := &memStore{}
	e := newTestEngine(t, Config{RetryDelay: time.Minute}, store)

	evt := domain.NewEvent(domain.EventTypeCommandExecution, "org-a", json.RawMessage(`not json`))
	evt.UserID = "u1"
	require.Error(t, e.Ingest(evt))

	// The parked entry references the same event; a repaired payload folds.
	evt.Data = json.RawMessage(`{"command":"ls","execution_time_ms":5,"status":"ok"}`)
	e.retryDeadLetters(time.Now().Add(time.Hour))

	stats := e.GetStats()
	assert.Zero(t, stats.DeadLetterPending)
	assert.Zero(t, stats.PermanentFailures)
	assert.Positive(t, stats.OpenBuckets)
}

func TestCloseFlushesOpenWindows(t *testing.T) {
	store := &memStore{}
	e := New(Config{FlushInterval: time.Hour, RetryDelay: time.Hour}, store, nil)

	evt := telemetryEvent(t, domain.EventTypeCommandExecution, "org-a", "u1", time.Now(),
		commandExecutionPayload{Command: "ls", ExecutionTimeMs: 5, Status: "ok"})
	require.NoError(t, e.Ingest(evt))

	require.NoError(t, e.Close(context.Background()))
	assert.Len(t, store.rows(), 4, "shutdown flushes open windows too")
}
