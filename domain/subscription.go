package domain

import "time"

// EventFilter narrows which events a subscription receives. Every field that
// is set must match; unset fields impose no constraint.
type EventFilter struct {
	EventTypes []string   `json:"event_types,omitempty"`
	Subtypes   []string   `json:"subtypes,omitempty"`
	Priorities []Priority `json:"priorities,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	Since      time.Time  `json:"since,omitempty"`
	Until      time.Time  `json:"until,omitempty"`
}

// HasTimeRange reports whether the filter constrains a time window.
func (f EventFilter) HasTimeRange() bool {
	return !f.Since.IsZero() || !f.Until.IsZero()
}

// Matches applies the filter predicate used for both live dispatch and replay.
func (f EventFilter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, e.Type) {
		return false
	}
	if len(f.Subtypes) > 0 && !containsString(f.Subtypes, e.Subtype) {
		return false
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if p == e.Metadata.Priority {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Metadata.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Metadata.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Subscription represents one live consumer interest, owned by the event bus.
type Subscription struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id"`
	UserID         string      `json:"user_id"`
	UserRole       string      `json:"user_role"`
	ConnectionID   string      `json:"connection_id"`
	Filter         EventFilter `json:"filter"`
	Channels       []string    `json:"channels"`
	SubscribedAt   time.Time   `json:"subscribed_at"`
	LastActivity   time.Time   `json:"last_activity"`

	Acknowledged map[string]time.Time `json:"-"`
}

// Touch records consumer activity for the idle sweep.
func (s *Subscription) Touch() {
	if s != nil {
		s.LastActivity = time.Now()
	}
}

// IdleSince reports whether the subscription has been inactive longer than d.
func (s *Subscription) IdleSince(now time.Time, d time.Duration) bool {
	return s != nil && now.Sub(s.LastActivity) > d
}

// Ack marks an event id as acknowledged by this consumer.
func (s *Subscription) Ack(eventID string) {
	if s == nil || eventID == "" {
		return
	}
	if s.Acknowledged == nil {
		s.Acknowledged = make(map[string]time.Time)
	}
	s.Acknowledged[eventID] = time.Now()
}
