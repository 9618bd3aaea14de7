package transport

import (
	"encoding/json"

	"github.com/pulsedeck/backend/domain"
)

type PublishEventRequest struct {
	Type        string                   `json:"type"`
	Subtype     string                   `json:"subtype"`
	Data        json.RawMessage          `json:"data"`
	Priority    string                   `json:"priority"`
	TTLSeconds  int                      `json:"ttl_seconds"`
	Replay      *bool                    `json:"replay"`
	Batchable   *bool                    `json:"batchable"`
	RequiresAck bool                     `json:"requires_ack"`
	Permissions *domain.EventPermissions `json:"permissions"`
}

// Event converts the request into a domain event owned by the caller's
// organization. Replay and batching default to on when omitted.
func (r PublishEventRequest) Event(orgID, userID string) *domain.Event {
	evt := &domain.Event{
		Type:           r.Type,
		Subtype:        r.Subtype,
		OrganizationID: orgID,
		UserID:         userID,
		Data:           r.Data,
		Permissions:    r.Permissions,
		Metadata: domain.EventMetadata{
			Priority:    domain.Priority(r.Priority),
			TTLSeconds:  r.TTLSeconds,
			Replay:      r.Replay == nil || *r.Replay,
			Batchable:   r.Batchable == nil || *r.Batchable,
			RequiresAck: r.RequiresAck,
		},
	}
	evt.Normalize()
	return evt
}

type PublishBatchRequest struct {
	Events []PublishEventRequest `json:"events"`
}

type TelemetryRequest struct {
	Events []PublishEventRequest `json:"events"`
}

type TelemetryResponse struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Errors   []string `json:"errors,omitempty"`
}
