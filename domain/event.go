package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority classifies delivery urgency. Critical events bypass batching.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether the priority is one of the known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Telemetry event types understood by the aggregation engine.
const (
	EventTypeCommandExecution   = "command_execution"
	EventTypeAgentInteraction   = "agent_interaction"
	EventTypeUserSession        = "user_session"
	EventTypeProductivityMetric = "productivity_metric"
)

// EventMetadata carries delivery semantics attached to every event.
type EventMetadata struct {
	Timestamp   time.Time `json:"timestamp"`
	Priority    Priority  `json:"priority"`
	TTLSeconds  int       `json:"ttl_seconds"`
	Replay      bool      `json:"replay"`
	Batchable   bool      `json:"batchable"`
	RequiresAck bool      `json:"requires_ack"`
}

// EventPermissions is an optional row-level allow-list evaluated at delivery time.
type EventPermissions struct {
	MinRole string   `json:"min_role,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Users   []string `json:"users,omitempty"`
}

// Event is the immutable unit distributed by the bus. Payloads stay opaque
// until a consumer that understands the type deserializes them.
type Event struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Subtype        string            `json:"subtype,omitempty"`
	OrganizationID string            `json:"organization_id"`
	UserID         string            `json:"user_id,omitempty"`
	Data           json.RawMessage   `json:"data"`
	Permissions    *EventPermissions `json:"permissions,omitempty"`
	Metadata       EventMetadata     `json:"metadata"`
}

// Normalize assigns an id and merges metadata defaults:
// priority medium, ttl one hour, replayable and batchable.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Metadata.Timestamp.IsZero() {
		e.Metadata.Timestamp = time.Now()
	}
	if !e.Metadata.Priority.Valid() {
		e.Metadata.Priority = PriorityMedium
	}
	if e.Metadata.TTLSeconds <= 0 {
		e.Metadata.TTLSeconds = 3600
	}
}

// NewEvent builds a normalized event. Replay and batching default to on.
func NewEvent(eventType, orgID string, data json.RawMessage) *Event {
	e := &Event{
		Type:           eventType,
		OrganizationID: orgID,
		Data:           data,
		Metadata: EventMetadata{
			Replay:    true,
			Batchable: true,
		},
	}
	e.Normalize()
	return e
}

// Validate checks the fields the aggregation engine requires.
func (e *Event) Validate() error {
	if e == nil {
		return ErrInvalidEvent
	}
	if e.OrganizationID == "" || e.UserID == "" || e.Type == "" || len(e.Data) == 0 {
		return ErrInvalidEvent
	}
	return nil
}

// TTL returns the event's time-to-live as a duration.
func (e *Event) TTL() time.Duration {
	return time.Duration(e.Metadata.TTLSeconds) * time.Second
}

// ExpiredAt reports whether the event is past min(maxAge, ttl) at the given instant.
func (e *Event) ExpiredAt(now time.Time, maxAge time.Duration) bool {
	limit := e.TTL()
	if maxAge > 0 && maxAge < limit {
		limit = maxAge
	}
	return now.Sub(e.Metadata.Timestamp) > limit
}

// Role ranks used for min-role permission checks.
var roleRank = map[string]int{
	"viewer": 0,
	"member": 1,
	"admin":  2,
	"owner":  3,
}

// VisibleTo evaluates the event's permission allow-list for a consumer.
// Events without permissions are visible to the whole organization.
func (e *Event) VisibleTo(userID, role string) bool {
	p := e.Permissions
	if p == nil {
		return true
	}
	if p.MinRole != "" {
		need, ok := roleRank[p.MinRole]
		if !ok {
			return false
		}
		if have, ok := roleRank[role]; !ok || have < need {
			return false
		}
	}
	if len(p.Users) > 0 && !containsString(p.Users, userID) {
		return false
	}
	if len(p.Roles) > 0 && !containsString(p.Roles, role) {
		return false
	}
	return true
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
