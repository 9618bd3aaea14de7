package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler processes one raw message received from a channel.
type Handler func(channel string, payload []byte)

// Subscription is a live pattern subscription on a transport.
type Subscription interface {
	Close() error
}

// Transport is the generic publish/subscribe collaborator. Channel naming:
// events:{orgID}:{eventType} for typed channels, events:{orgID}:* wildcard.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)
	Close() error
}

// EventChannel returns the typed channel name for an organization.
func EventChannel(orgID, eventType string) string {
	return fmt.Sprintf("events:%s:%s", orgID, eventType)
}

// OrgPattern returns the wildcard pattern covering all of an organization's events.
func OrgPattern(orgID string) string {
	return fmt.Sprintf("events:%s:*", orgID)
}

// MatchPattern implements the glob subset the transports support: a trailing
// '*' matches any suffix, anything else is an exact match.
func MatchPattern(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

// Memory is an in-process transport for tests and single-node runs.
// Handlers run synchronously on the publisher's goroutine.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	id      int
	pattern string
	handler Handler
	parent  *Memory
}

// NewMemory creates an in-process transport.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]*memorySub)}
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("transport closed")
	}
	matched := make([]*memorySub, 0, len(m.subs))
	for _, sub := range m.subs {
		if MatchPattern(sub.pattern, channel) {
			matched = append(matched, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range matched {
		sub.handler(channel, payload)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, pattern string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("transport closed")
	}
	m.nextID++
	sub := &memorySub{
		id:      m.nextID,
		pattern: pattern,
		handler: handler,
		parent:  m,
	}
	m.subs[sub.id] = sub
	return sub, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]*memorySub)
	return nil
}

func (s *memorySub) Close() error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	delete(s.parent.subs, s.id)
	return nil
}
