package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsedeck/backend/domain"
	"github.com/pulsedeck/backend/repository"
)

type metricRepository struct {
	pool *pgxpool.Pool
}

// NewMetricRepository creates a Postgres-backed MetricRepository implementation.
func NewMetricRepository(pool *pgxpool.Pool) repository.MetricRepository {
	return &metricRepository{pool: pool}
}

// SaveBatch upserts flushed windows keyed by (org, user, window start, window
// size), so re-flushing a window after a partial failure overwrites instead of
// duplicating.
func (r *metricRepository) SaveBatch(ctx context.Context, rows []domain.MetricRow) error {
	if len(rows) == 0 {
		return nil
	}

	const query = `
	INSERT INTO metric_windows (
		organization_id, user_id, window_start, window_minutes,
		command_count, agent_interactions, session_count, error_count, total_execution_ms,
		commands_per_hour, error_rate, avg_execution_ms, avg_productivity,
		agent_usage, flushed_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, COALESCE($15, NOW()))
	ON CONFLICT (organization_id, user_id, window_start, window_minutes) DO UPDATE
	SET command_count = EXCLUDED.command_count,
		agent_interactions = EXCLUDED.agent_interactions,
		session_count = EXCLUDED.session_count,
		error_count = EXCLUDED.error_count,
		total_execution_ms = EXCLUDED.total_execution_ms,
		commands_per_hour = EXCLUDED.commands_per_hour,
		error_rate = EXCLUDED.error_rate,
		avg_execution_ms = EXCLUDED.avg_execution_ms,
		avg_productivity = EXCLUDED.avg_productivity,
		agent_usage = EXCLUDED.agent_usage,
		flushed_at = NOW()
	`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query,
			row.OrganizationID,
			row.UserID,
			row.WindowStart,
			row.WindowMinutes,
			row.CommandCount,
			row.AgentInteractions,
			row.SessionCount,
			row.ErrorCount,
			row.TotalExecutionMs,
			row.CommandsPerHour,
			row.ErrorRate,
			row.AvgExecutionMs,
			row.AvgProductivity,
			marshalCounts(row.AgentUsage),
			nullTime(row.FlushedAt),
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *metricRepository) List(ctx context.Context, filter repository.MetricFilter) ([]domain.MetricRow, error) {
	const query = `
	SELECT organization_id, user_id, window_start, window_minutes,
		command_count, agent_interactions, session_count, error_count, total_execution_ms,
		commands_per_hour, error_rate, avg_execution_ms, avg_productivity,
		agent_usage, flushed_at
	FROM metric_windows
	WHERE organization_id = $1
	  AND ($2 = '' OR user_id = $2)
	  AND ($3 = 0 OR window_minutes = $3)
	  AND ($4::timestamptz IS NULL OR window_start >= $4)
	  AND ($5::timestamptz IS NULL OR window_start < $5)
	ORDER BY window_start DESC
	LIMIT $6 OFFSET $7
	`
	rows, err := r.pool.Query(ctx, query,
		filter.OrganizationID,
		filter.UserID,
		filter.WindowMinutes,
		nullTime(filter.Since),
		nullTime(filter.Until),
		clampLimit(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.MetricRow
	for rows.Next() {
		row, err := scanMetricRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	return result, rows.Err()
}

func scanMetricRow(row interface {
	Scan(dest ...interface{}) error
}) (*domain.MetricRow, error) {
	var entity domain.MetricRow
	var usage []byte

	if err := row.Scan(
		&entity.OrganizationID,
		&entity.UserID,
		&entity.WindowStart,
		&entity.WindowMinutes,
		&entity.CommandCount,
		&entity.AgentInteractions,
		&entity.SessionCount,
		&entity.ErrorCount,
		&entity.TotalExecutionMs,
		&entity.CommandsPerHour,
		&entity.ErrorRate,
		&entity.AvgExecutionMs,
		&entity.AvgProductivity,
		&usage,
		&entity.FlushedAt,
	); err != nil {
		return nil, err
	}

	entity.AgentUsage = unmarshalCounts(usage)
	return &entity, nil
}
