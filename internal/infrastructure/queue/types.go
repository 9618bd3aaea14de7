package queue

import (
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Priority orders items within the queue. Lower rank drains first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Item types with dedicated retry policies.
const (
	TypeMetrics     = "metrics"
	TypeSession     = "session"
	TypeCommand     = "command"
	TypeInteraction = "interaction"
	TypeBatch       = "batch"
)

// Item is one unit of durable retryable work.
type Item struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Priority       Priority        `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	RetryAfter     time.Duration   `json:"retry_after,omitempty"`
}

func (i *Item) normalize() {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	if !i.Priority.Valid() {
		i.Priority = PriorityNormal
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	if i.ScheduledAt.IsZero() {
		i.ScheduledAt = i.CreatedAt
	}
	if i.MaxAttempts <= 0 {
		i.MaxAttempts = PolicyFor(i.Type).MaxAttempts
	}
}

// Failed reports whether the item exhausted its retry budget.
func (i *Item) Failed() bool {
	return i.Attempts >= i.MaxAttempts
}

// Due reports whether the item is eligible for dequeue at the given instant.
func (i *Item) Due(now time.Time) bool {
	return !i.ScheduledAt.After(now)
}

// RetryPolicy controls backoff for one item type.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	JitterFactor float64
}

// Delay computes the backoff before the given attempt (1-based), applying
// symmetric jitter and clamping so no delay ever exceeds MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	jitter := base * p.JitterFactor * (2*rand.Float64() - 1)
	delay := base + jitter
	if delay < 0 {
		delay = 0
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

var defaultPolicy = RetryPolicy{
	InitialDelay: time.Second,
	MaxDelay:     5 * time.Minute,
	Multiplier:   2.0,
	MaxAttempts:  3,
	JitterFactor: 0.1,
}

var retryPolicies = map[string]RetryPolicy{
	TypeMetrics:     {InitialDelay: time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2.0, MaxAttempts: 5, JitterFactor: 0.10},
	TypeSession:     {InitialDelay: 2 * time.Second, MaxDelay: 10 * time.Minute, Multiplier: 2.0, MaxAttempts: 3, JitterFactor: 0.15},
	TypeCommand:     {InitialDelay: 500 * time.Millisecond, MaxDelay: time.Minute, Multiplier: 1.5, MaxAttempts: 7, JitterFactor: 0.20},
	TypeInteraction: {InitialDelay: time.Second, MaxDelay: 3 * time.Minute, Multiplier: 1.8, MaxAttempts: 4, JitterFactor: 0.10},
	TypeBatch:       {InitialDelay: 5 * time.Second, MaxDelay: 30 * time.Minute, Multiplier: 2.5, MaxAttempts: 3, JitterFactor: 0.05},
}

// PolicyFor returns the retry policy for an item type.
func PolicyFor(itemType string) RetryPolicy {
	if p, ok := retryPolicies[itemType]; ok {
		return p
	}
	return defaultPolicy
}

// StatusCounts breaks the queue down by item state.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Scheduled int `json:"scheduled"`
	Failed    int `json:"failed"`
}

// Stats is a point-in-time view of queue composition.
type Stats struct {
	Size       int            `json:"size"`
	ByPriority map[string]int `json:"by_priority"`
	ByType     map[string]int `json:"by_type"`
	ByStatus   StatusCounts   `json:"by_status"`
	Enqueued   int64          `json:"enqueued"`
	Processed  int64          `json:"processed"`
	Dropped    int64          `json:"dropped"`
}
