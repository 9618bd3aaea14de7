package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/internal/infrastructure/queue"
	"github.com/pulsedeck/backend/internal/transport"
)

// AccessChecker is the external authorization collaborator.
type AccessChecker interface {
	MayAccess(ctx context.Context, userID, orgID string) (bool, error)
}

// Batch is one delivery to a consumer connection. Single immediate deliveries
// carry one event with subtype event_delivery; coalesced batches use
// event_batch and replayed history uses event_replay.
type Batch struct {
	ConnectionID string         `json:"connection_id"`
	Subtype      string         `json:"subtype"`
	Events       []domain.Event `json:"events"`
}

// Delivery subtypes.
const (
	SubtypeDelivery = "event_delivery"
	SubtypeBatch    = "event_batch"
	SubtypeReplay   = "event_replay"
)

// Sink receives deliveries for one connection. It runs on the connection's
// drain goroutine, so a slow sink never stalls dispatch.
type Sink func(Batch)

// SubscribeRequest describes one consumer interest.
type SubscribeRequest struct {
	OrganizationID string
	UserID         string
	UserRole       string
	ConnectionID   string
	Filter         domain.EventFilter
	Sink           Sink
}

// Config controls bus behavior. Zero values pick the defaults.
type Config struct {
	HistoryCapacity  int           // per-org archive capacity, default 1000
	MaxHistoryAge    time.Duration // default 24h
	ReplayCacheSize  int           // snapshot length, default 100
	ReplayCacheTTL   time.Duration // default 30s
	BatchSize        int           // flush threshold, default 10
	BatchInterval    time.Duration // flush latency bound, default 200ms
	IdleTimeout      time.Duration // subscription sweep, default 30m
	CleanupInterval  time.Duration // default 5m
	ConnectionBuffer int           // per-connection channel size, default 256

	// OnPublished is invoked after a successful publish (local observers).
	OnPublished func(*domain.Event)
	// OnDrop is invoked when a connection buffer overflows.
	OnDrop func(connectionID string, batch Batch)
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published         int64 `json:"published"`
	Delivered         int64 `json:"delivered"`
	TransportFailures int64 `json:"transport_failures"`
	Dropped           int64 `json:"dropped"`
	Subscriptions     int   `json:"subscriptions"`
	HistorySize       int   `json:"history_size"`
}

// EventBus fans organization-scoped events out to live subscribers. Delivery
// is fire-and-forget at this layer; business-critical redelivery is layered
// on top through the durable queue.
type EventBus struct {
	cfg     Config
	tr      transport.Transport
	access  AccessChecker
	history *history
	retry   *queue.Queue
	logger  *zap.Logger

	mu      sync.RWMutex
	subs    map[string]*domain.Subscription
	conns   map[string]*connection
	streams map[string]*orgStream

	published atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64

	closed         atomic.Bool
	stopCh         chan struct{}
	batchRunning   atomic.Bool
	cleanupRunning atomic.Bool
}

type connection struct {
	id      string
	sink    Sink
	ch      chan Batch
	done    chan struct{}
	stopped chan struct{} // closed when the drain goroutine exits
	refs    int

	// pending batch, guarded by the bus mutex
	pending []domain.Event
}

type orgStream struct {
	sub  transport.Subscription
	refs int
}

// New creates an event bus. The redis client is optional and only feeds the
// replay cache; the retry queue is optional and buffers failed publishes.
func New(
	cfg Config,
	tr transport.Transport,
	access AccessChecker,
	redisClient *redislib.Client,
	retry *queue.Queue,
	logger *zap.Logger,
) *EventBus {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = 1000
	}
	if cfg.MaxHistoryAge <= 0 {
		cfg.MaxHistoryAge = 24 * time.Hour
	}
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = 100
	}
	if cfg.ReplayCacheTTL <= 0 {
		cfg.ReplayCacheTTL = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 200 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.ConnectionBuffer <= 0 {
		cfg.ConnectionBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache := newReplayCache(redisClient, cfg.ReplayCacheSize, cfg.ReplayCacheTTL, logger)
	b := &EventBus{
		cfg:     cfg,
		tr:      tr,
		access:  access,
		history: newHistory(cfg.HistoryCapacity, cfg.MaxHistoryAge, cache),
		retry:   retry,
		logger:  logger,
		subs:    make(map[string]*domain.Subscription),
		conns:   make(map[string]*connection),
		streams: make(map[string]*orgStream),
		stopCh:  make(chan struct{}),
	}

	go b.batchLoop()
	go b.cleanupLoop()

	return b
}

// Publish accepts an event, archives it when replayable, and publishes it on
// the organization's typed channel. Transport failures are absorbed: they are
// counted and, when a retry queue is attached, buffered for redelivery.
func (b *EventBus) Publish(ctx context.Context, evt *domain.Event) (string, error) {
	if b.closed.Load() {
		return "", domain.ErrBusClosed
	}
	if evt == nil || evt.OrganizationID == "" || evt.Type == "" {
		return "", domain.ErrInvalidEvent
	}
	evt.Normalize()

	if evt.Metadata.Replay {
		b.history.Append(ctx, evt)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return "", domain.WrapError(domain.ErrCodeInvalid, "event not serializable", err)
	}

	channel := transport.EventChannel(evt.OrganizationID, evt.Type)
	if err := b.tr.Publish(ctx, channel, payload); err != nil {
		b.failures.Add(1)
		b.logger.Error("transport publish failed",
			zap.String("event_id", evt.ID),
			zap.String("channel", channel),
			zap.Error(err))
		b.bufferRedelivery(evt, payload)
	}

	b.published.Add(1)
	if b.cfg.OnPublished != nil {
		b.cfg.OnPublished(evt)
	}
	return evt.ID, nil
}

// PublishBatch publishes several events, stopping at the first validation
// failure. Transport errors never surface here.
func (b *EventBus) PublishBatch(ctx context.Context, events []*domain.Event) ([]string, error) {
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		id, err := b.Publish(ctx, evt)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// bufferRedelivery hands a failed publish to the durable queue.
func (b *EventBus) bufferRedelivery(evt *domain.Event, payload []byte) {
	if b.retry == nil {
		return
	}
	if _, err := b.retry.Enqueue(queue.Item{
		Type:           queue.TypeBatch,
		Payload:        payload,
		OrganizationID: evt.OrganizationID,
		Priority:       queuePriority(evt.Metadata.Priority),
	}); err != nil {
		b.logger.Warn("redelivery buffering failed",
			zap.String("event_id", evt.ID), zap.Error(err))
	}
}

func queuePriority(p domain.Priority) queue.Priority {
	switch p {
	case domain.PriorityCritical:
		return queue.PriorityCritical
	case domain.PriorityHigh:
		return queue.PriorityHigh
	case domain.PriorityLow:
		return queue.PriorityLow
	default:
		return queue.PriorityNormal
	}
}

// Subscribe registers a consumer after an authorization check. When the
// filter names a time range or user, matching history is replayed to the
// connection before Subscribe returns.
func (b *EventBus) Subscribe(ctx context.Context, req SubscribeRequest) (string, error) {
	if b.closed.Load() {
		return "", domain.ErrBusClosed
	}
	if req.OrganizationID == "" || req.ConnectionID == "" || req.Sink == nil {
		return "", domain.ErrInvalidPayload
	}

	allowed, err := b.access.MayAccess(ctx, req.UserID, req.OrganizationID)
	if err != nil {
		return "", domain.WrapError(domain.ErrCodeStorage, "authorization check failed", err)
	}
	if !allowed {
		return "", domain.ErrPermissionDenied
	}

	now := time.Now()
	sub := &domain.Subscription{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		UserRole:       req.UserRole,
		ConnectionID:   req.ConnectionID,
		Filter:         req.Filter,
		Channels:       deriveChannels(req.OrganizationID, req.Filter),
		SubscribedAt:   now,
		LastActivity:   now,
	}

	if err := b.ensureStream(ctx, req.OrganizationID); err != nil {
		return "", err
	}

	b.mu.Lock()
	conn, ok := b.conns[req.ConnectionID]
	if !ok {
		conn = &connection{
			id:      req.ConnectionID,
			sink:    req.Sink,
			ch:      make(chan Batch, b.cfg.ConnectionBuffer),
			done:    make(chan struct{}),
			stopped: make(chan struct{}),
		}
		b.conns[req.ConnectionID] = conn
		go conn.run()
	}
	conn.refs++
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	if req.Filter.HasTimeRange() || req.Filter.UserID != "" {
		rows := b.history.Query(ctx, req.OrganizationID, req.Filter, b.cfg.ReplayCacheSize)
		b.send(conn, Batch{
			ConnectionID: conn.id,
			Subtype:      SubtypeReplay,
			Events:       rows,
		})
	}

	return sub.ID, nil
}

// deriveChannels lists the channels a subscription conceptually listens on:
// the org wildcard plus one typed channel per filtered event type. The
// transport-level subscription is the wildcard; filters are re-checked per
// event, so typed channels are an optimization only.
func deriveChannels(orgID string, filter domain.EventFilter) []string {
	channels := []string{transport.OrgPattern(orgID)}
	for _, t := range filter.EventTypes {
		channels = append(channels, transport.EventChannel(orgID, t))
	}
	return channels
}

// ensureStream opens the org's wildcard transport subscription on first use.
func (b *EventBus) ensureStream(ctx context.Context, orgID string) error {
	b.mu.Lock()
	if stream, ok := b.streams[orgID]; ok {
		stream.refs++
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	sub, err := b.tr.Subscribe(ctx, transport.OrgPattern(orgID), b.handleTransport)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if stream, ok := b.streams[orgID]; ok {
		// Raced with another subscriber; keep the first stream.
		stream.refs++
		b.mu.Unlock()
		sub.Close()
		return nil
	}
	b.streams[orgID] = &orgStream{sub: sub, refs: 1}
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes a subscription. Unknown ids are a logged no-op.
func (b *EventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if !ok {
		b.mu.Unlock()
		b.logger.Debug("unsubscribe for unknown subscription",
			zap.String("subscription_id", subscriptionID))
		return
	}
	delete(b.subs, subscriptionID)

	var closeStream transport.Subscription
	if conn, ok := b.conns[sub.ConnectionID]; ok {
		conn.refs--
		if conn.refs <= 0 {
			delete(b.conns, sub.ConnectionID)
			close(conn.done)
		}
	}
	if stream, ok := b.streams[sub.OrganizationID]; ok {
		stream.refs--
		if stream.refs <= 0 {
			delete(b.streams, sub.OrganizationID)
			closeStream = stream.sub
		}
	}
	b.mu.Unlock()

	if closeStream != nil {
		if err := closeStream.Close(); err != nil {
			b.logger.Warn("transport unsubscribe failed", zap.Error(err))
		}
	}
}

// Acknowledge records delivered event ids for a subscription and refreshes
// its activity clock.
func (b *EventBus) Acknowledge(subscriptionID string, eventIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subscriptionID]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	for _, id := range eventIDs {
		sub.Ack(id)
	}
	sub.Touch()
	return nil
}

// GetHistory replays archived events for an organization after an
// authorization check. Results are timestamp-descending.
func (b *EventBus) GetHistory(ctx context.Context, userID, orgID string, filter domain.EventFilter, limit int) ([]domain.Event, error) {
	allowed, err := b.access.MayAccess(ctx, userID, orgID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeStorage, "authorization check failed", err)
	}
	if !allowed {
		return nil, domain.ErrPermissionDenied
	}
	return b.history.Query(ctx, orgID, filter, limit), nil
}

// handleTransport is the per-event entry point off the transport, including
// self-published events.
func (b *EventBus) handleTransport(channel string, payload []byte) {
	var evt domain.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		b.logger.Warn("discarding undecodable event",
			zap.String("channel", channel), zap.Error(err))
		return
	}
	b.dispatch(&evt)
}

// dispatch fans one event out to matching subscriptions. Matching runs under
// the read lock; delivery happens through per-connection channels so a slow
// consumer never blocks the transport goroutine.
func (b *EventBus) dispatch(evt *domain.Event) {
	b.mu.RLock()
	targets := make(map[string]*connection)
	for _, sub := range b.subs {
		if sub.OrganizationID != evt.OrganizationID {
			continue
		}
		if !sub.Filter.Matches(evt) {
			continue
		}
		// Row-level permission re-check at delivery time; failing it is a
		// silent skip, not an error.
		if !evt.VisibleTo(sub.UserID, sub.UserRole) {
			continue
		}
		if conn, ok := b.conns[sub.ConnectionID]; ok {
			targets[sub.ConnectionID] = conn
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	if evt.Metadata.Batchable && evt.Metadata.Priority != domain.PriorityCritical {
		b.mu.Lock()
		for _, conn := range targets {
			conn.pending = append(conn.pending, *evt)
			if len(conn.pending) >= b.cfg.BatchSize {
				b.flushConnLocked(conn)
			}
		}
		b.mu.Unlock()
		return
	}

	for _, conn := range targets {
		b.send(conn, Batch{
			ConnectionID: conn.id,
			Subtype:      SubtypeDelivery,
			Events:       []domain.Event{*evt},
		})
	}
}

// flushConnLocked moves a connection's pending batch onto its channel.
// Caller holds the write lock.
func (b *EventBus) flushConnLocked(conn *connection) {
	if len(conn.pending) == 0 {
		return
	}
	batch := Batch{
		ConnectionID: conn.id,
		Subtype:      SubtypeBatch,
		Events:       conn.pending,
	}
	conn.pending = nil
	b.send(conn, batch)
}

// send is non-blocking: a full connection buffer drops the batch and counts it.
func (b *EventBus) send(conn *connection, batch Batch) {
	select {
	case conn.ch <- batch:
		b.delivered.Add(int64(len(batch.Events)))
	default:
		b.dropped.Add(int64(len(batch.Events)))
		b.logger.Warn("connection buffer full, dropping batch",
			zap.String("connection_id", conn.id),
			zap.Int("events", len(batch.Events)))
		if b.cfg.OnDrop != nil {
			b.cfg.OnDrop(conn.id, batch)
		}
	}
}

func (c *connection) run() {
	defer close(c.stopped)
	for {
		select {
		case batch := <-c.ch:
			c.sink(batch)
		case <-c.done:
			return
		}
	}
}

// batchLoop bounds batch latency: every interval, all pending batches flush.
func (b *EventBus) batchLoop() {
	ticker := time.NewTicker(b.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !b.batchRunning.CompareAndSwap(false, true) {
				continue
			}
			b.mu.Lock()
			for _, conn := range b.conns {
				b.flushConnLocked(conn)
			}
			b.mu.Unlock()
			b.batchRunning.Store(false)
		case <-b.stopCh:
			return
		}
	}
}

// cleanupLoop expires history entries and sweeps idle subscriptions.
func (b *EventBus) cleanupLoop() {
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !b.cleanupRunning.CompareAndSwap(false, true) {
				continue
			}
			b.runCleanup(time.Now())
			b.cleanupRunning.Store(false)
		case <-b.stopCh:
			return
		}
	}
}

func (b *EventBus) runCleanup(now time.Time) {
	if expired := b.history.Expire(now); expired > 0 {
		b.logger.Info("history entries expired", zap.Int("count", expired))
	}

	b.mu.RLock()
	var idle []string
	for id, sub := range b.subs {
		if sub.IdleSince(now, b.cfg.IdleTimeout) {
			idle = append(idle, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range idle {
		b.logger.Info("removing idle subscription", zap.String("subscription_id", id))
		b.Unsubscribe(id)
	}
}

// Stats returns the bus counters.
func (b *EventBus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		TransportFailures: b.failures.Load(),
		Dropped:           b.dropped.Load(),
		Subscriptions:     subs,
		HistorySize:       b.history.Size(),
	}
}

// Close stops intake, flushes pending batches synchronously, cancels timers,
// and releases transport subscriptions.
func (b *EventBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.stopCh)

	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for _, conn := range b.conns {
		b.flushConnLocked(conn)
		conns = append(conns, conn)
	}
	streams := make([]*orgStream, 0, len(b.streams))
	for _, stream := range b.streams {
		streams = append(streams, stream)
	}
	b.conns = make(map[string]*connection)
	b.subs = make(map[string]*domain.Subscription)
	b.streams = make(map[string]*orgStream)
	b.mu.Unlock()

	// Stop each drain goroutine before touching its channel so the sink is
	// never invoked from two goroutines at once.
	for _, conn := range conns {
		close(conn.done)
		<-conn.stopped
	drain:
		for {
			select {
			case batch := <-conn.ch:
				conn.sink(batch)
			default:
				break drain
			}
		}
	}

	for _, stream := range streams {
		if err := stream.sub.Close(); err != nil {
			b.logger.Warn("transport unsubscribe failed during close", zap.Error(err))
		}
	}
	return nil
}
