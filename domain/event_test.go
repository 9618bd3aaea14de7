package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	evt := &Event{Type: EventTypeCommandExecution, OrganizationID: "org-a"}
	evt.Normalize()

	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Metadata.Timestamp.IsZero())
	assert.Equal(t, PriorityMedium, evt.Metadata.Priority)
	assert.Equal(t, 3600, evt.Metadata.TTLSeconds)
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	ts := time.Now().Add(-time.Minute)
	evt := &Event{
		ID:             "evt-1",
		Type:           EventTypeUserSession,
		OrganizationID: "org-a",
		Metadata: EventMetadata{
			Timestamp:  ts,
			Priority:   PriorityCritical,
			TTLSeconds: 60,
		},
	}
	evt.Normalize()

	assert.Equal(t, "evt-1", evt.ID)
	assert.Equal(t, ts, evt.Metadata.Timestamp)
	assert.Equal(t, PriorityCritical, evt.Metadata.Priority)
	assert.Equal(t, 60, evt.Metadata.TTLSeconds)
}

func TestValidateRequiredFields(t *testing.T) {
	valid := &Event{
		Type:           EventTypeCommandExecution,
		OrganizationID: "org-a",
		UserID:         "u1",
		Data:           json.RawMessage(`{}`),
	}
	require.NoError(t, valid.Validate())

	cases := map[string]*Event{
		"nil event":   nil,
		"missing org": {Type: "t", UserID: "u1", Data: json.RawMessage(`{}`)},
		"missing user": {Type: "t", OrganizationID: "org-a",
			Data: json.RawMessage(`{}`)},
		"missing type": {OrganizationID: "org-a", UserID: "u1", Data: json.RawMessage(`{}`)},
		"missing data": {Type: "t", OrganizationID: "org-a", UserID: "u1"},
	}
	for name, evt := range cases {
		assert.ErrorIs(t, evt.Validate(), ErrInvalidEvent, name)
	}
}

func TestExpiredAtUsesTighterLimit(t *testing.T) {
	evt := &Event{Metadata: EventMetadata{
		Timestamp:  time.Now().Add(-2 * time.Hour),
		TTLSeconds: 3600,
	}}

	assert.True(t, evt.ExpiredAt(time.Now(), 24*time.Hour), "ttl is the tighter bound")

	evt.Metadata.TTLSeconds = int((48 * time.Hour).Seconds())
	assert.False(t, evt.ExpiredAt(time.Now(), 24*time.Hour))
	assert.True(t, evt.ExpiredAt(time.Now(), time.Hour), "max age is the tighter bound")
}

func TestVisibleTo(t *testing.T) {
	open := &Event{}
	assert.True(t, open.VisibleTo("anyone", "viewer"))

	minRole := &Event{Permissions: &EventPermissions{MinRole: "admin"}}
	assert.True(t, minRole.VisibleTo("u1", "owner"))
	assert.True(t, minRole.VisibleTo("u1", "admin"))
	assert.False(t, minRole.VisibleTo("u1", "member"))
	assert.False(t, minRole.VisibleTo("u1", "unknown-role"))

	userList := &Event{Permissions: &EventPermissions{Users: []string{"u1", "u2"}}}
	assert.True(t, userList.VisibleTo("u1", "viewer"))
	assert.False(t, userList.VisibleTo("u3", "owner"))

	roleList := &Event{Permissions: &EventPermissions{Roles: []string{"admin"}}}
	assert.True(t, roleList.VisibleTo("u1", "admin"))
	assert.False(t, roleList.VisibleTo("u1", "member"))
}

func TestFilterMatches(t *testing.T) {
	base := time.Now()
	evt := &Event{
		Type:    EventTypeCommandExecution,
		Subtype: "shell",
		UserID:  "u1",
		Metadata: EventMetadata{
			Timestamp: base,
			Priority:  PriorityHigh,
		},
	}

	assert.True(t, EventFilter{}.Matches(evt), "empty filter matches everything")
	assert.True(t, EventFilter{EventTypes: []string{EventTypeCommandExecution}}.Matches(evt))
	assert.False(t, EventFilter{EventTypes: []string{EventTypeUserSession}}.Matches(evt))
	assert.True(t, EventFilter{Subtypes: []string{"shell"}}.Matches(evt))
	assert.False(t, EventFilter{Subtypes: []string{"editor"}}.Matches(evt))
	assert.True(t, EventFilter{Priorities: []Priority{PriorityHigh}}.Matches(evt))
	assert.False(t, EventFilter{Priorities: []Priority{PriorityLow}}.Matches(evt))
	assert.True(t, EventFilter{UserID: "u1"}.Matches(evt))
	assert.False(t, EventFilter{UserID: "u2"}.Matches(evt))
	assert.True(t, EventFilter{Since: base.Add(-time.Minute)}.Matches(evt))
	assert.False(t, EventFilter{Since: base.Add(time.Minute)}.Matches(evt))
	assert.False(t, EventFilter{Until: base.Add(-time.Minute)}.Matches(evt))
}

func TestSubscriptionIdleAndAck(t *testing.T) {
	sub := &Subscription{LastActivity: time.Now().Add(-time.Hour)}
	assert.True(t, sub.IdleSince(time.Now(), 30*time.Minute))

	sub.Touch()
	assert.False(t, sub.IdleSince(time.Now(), 30*time.Minute))

	sub.Ack("evt-1")
	assert.Contains(t, sub.Acknowledged, "evt-1")
}
