package aggregator

import (
	"encoding/json"
	"time"

	"github.com/pulsedeck/backend/domain"
)

// bucketKey identifies one accumulator: an (organization, user, window start)
// triple within a single window size.
type bucketKey struct {
	orgID       string
	userID      string
	windowStart int64 // unix nanos of the floored timestamp
}

// bucket accumulates telemetry for one key. Updates apply in arrival order
// under the engine mutex; a bucket is removed only after its window is flushed.
type bucket struct {
	windowStart time.Time
	windowSize  time.Duration

	organizationID string
	userID         string

	commandCount       int64
	agentInteractions  int64
	sessionCount       int64
	errorCount         int64
	totalExecutionMs   int64
	agentUsage         map[string]int
	productivityScores []float64

	lastUpdated time.Time
}

func (b *bucket) windowEnd() time.Time {
	return b.windowStart.Add(b.windowSize)
}

// flushEligible reports whether the window closed before now minus the safety
// lag for in-order-late events.
func (b *bucket) flushEligible(now time.Time, lag time.Duration) bool {
	return !b.windowEnd().After(now.Add(-lag))
}

// row converts the accumulated counters into a metric row. Rates derive from
// the window size: commands/hour extrapolates the window count, error rate is
// errors over commands.
func (b *bucket) row(flushedAt time.Time) domain.MetricRow {
	minutes := int(b.windowSize / time.Minute)
	row := domain.MetricRow{
		OrganizationID:    b.organizationID,
		UserID:            b.userID,
		WindowStart:       b.windowStart,
		WindowMinutes:     minutes,
		CommandCount:      b.commandCount,
		AgentInteractions: b.agentInteractions,
		SessionCount:      b.sessionCount,
		ErrorCount:        b.errorCount,
		TotalExecutionMs:  b.totalExecutionMs,
		FlushedAt:         flushedAt,
	}
	if minutes > 0 {
		row.CommandsPerHour = float64(b.commandCount) * (60.0 / float64(minutes))
	}
	if b.commandCount > 0 {
		row.ErrorRate = float64(b.errorCount) / float64(b.commandCount)
		row.AvgExecutionMs = float64(b.totalExecutionMs) / float64(b.commandCount)
	}
	if len(b.productivityScores) > 0 {
		var sum float64
		for _, s := range b.productivityScores {
			sum += s
		}
		row.AvgProductivity = sum / float64(len(b.productivityScores))
	}
	if len(b.agentUsage) > 0 {
		row.AgentUsage = make(map[string]int, len(b.agentUsage))
		for name, count := range b.agentUsage {
			row.AgentUsage[name] = count
		}
	}
	return row
}

// windowFloor truncates t down to the window boundary, so for any t,
// floor <= t < floor+size.
func windowFloor(t time.Time, size time.Duration) time.Time {
	return t.UTC().Truncate(size)
}

// Payload shapes understood by the folding functions. Unknown extra fields
// are ignored; missing required fields fail the fold.

type commandExecutionPayload struct {
	Command         string `json:"command"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	Status          string `json:"status"`
}

type agentInteractionPayload struct {
	Agent      string `json:"agent"`
	DurationMs int64  `json:"duration_ms"`
}

type userSessionPayload struct {
	Action     string `json:"action"`
	DurationMs int64  `json:"duration_ms"`
}

type productivityMetricPayload struct {
	Score float64 `json:"score"`
}

// eventDelta is the decoded contribution of a single event. Decoding happens
// before any bucket is created or mutated, so a malformed payload can never
// leave partial or empty accumulator state behind.
type eventDelta struct {
	commands     int64
	errors       int64
	executionMs  int64
	interactions int64
	agent        string
	sessions     int64
	hasScore     bool
	score        float64
}

// decodeDelta routes the event by type and parses its payload.
func decodeDelta(e *domain.Event) (eventDelta, error) {
	var d eventDelta

	switch e.Type {
	case domain.EventTypeCommandExecution:
		var p commandExecutionPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return d, domain.WrapError(domain.ErrCodeInvalid, "malformed command execution payload", err)
		}
		d.commands = 1
		d.executionMs = p.ExecutionTimeMs
		if p.Status == "error" {
			d.errors = 1
		}

	case domain.EventTypeAgentInteraction:
		var p agentInteractionPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return d, domain.WrapError(domain.ErrCodeInvalid, "malformed agent interaction payload", err)
		}
		if p.Agent == "" {
			return d, domain.NewError(domain.ErrCodeInvalid, "agent interaction without agent name")
		}
		d.interactions = 1
		d.agent = p.Agent

	case domain.EventTypeUserSession:
		var p userSessionPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return d, domain.WrapError(domain.ErrCodeInvalid, "malformed user session payload", err)
		}
		d.sessions = 1

	case domain.EventTypeProductivityMetric:
		var p productivityMetricPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return d, domain.WrapError(domain.ErrCodeInvalid, "malformed productivity payload", err)
		}
		d.hasScore = true
		d.score = p.Score

	default:
		return d, domain.NewError(domain.ErrCodeInvalid, "unknown telemetry type "+e.Type)
	}

	return d, nil
}

// apply folds a decoded delta into the bucket. It cannot fail; all validation
// happened in decodeDelta. The caller holds the engine lock.
func (b *bucket) apply(d eventDelta, now time.Time) {
	b.commandCount += d.commands
	b.errorCount += d.errors
	b.totalExecutionMs += d.executionMs
	b.agentInteractions += d.interactions
	if d.agent != "" {
		if b.agentUsage == nil {
			b.agentUsage = make(map[string]int)
		}
		b.agentUsage[d.agent]++
	}
	b.sessionCount += d.sessions
	if d.hasScore {
		b.productivityScores = append(b.productivityScores, d.score)
	}
	b.lastUpdated = now
}
