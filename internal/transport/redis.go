package transport

import (
	"context"
	"sync"

	redislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pulsedeck/backend/domain"
)

// Redis is the production transport backed by Redis pub/sub. Pattern
// subscriptions map directly onto PSUBSCRIBE.
type Redis struct {
	client *redislib.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

// NewRedis wraps an existing Redis client as a Transport.
func NewRedis(client *redislib.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		logger: logger,
		subs:   make(map[*redisSub]struct{}),
	}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return domain.WrapError(domain.ErrCodeTransport, "redis publish failed", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	pubsub := r.client.PSubscribe(ctx, pattern)

	// Force the subscription onto the wire before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, domain.WrapError(domain.ErrCodeTransport, "redis subscribe failed", err)
	}

	sub := &redisSub{pubsub: pubsub, parent: r}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	return sub, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*redisSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[*redisSub]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		if err := sub.pubsub.Close(); err != nil {
			r.logger.Warn("redis subscription close failed", zap.Error(err))
		}
	}
	return nil
}

type redisSub struct {
	pubsub *redislib.PubSub
	parent *Redis
}

func (s *redisSub) Close() error {
	s.parent.mu.Lock()
	delete(s.parent.subs, s)
	s.parent.mu.Unlock()
	return s.pubsub.Close()
}
