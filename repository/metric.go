package repository

import (
	"context"
	"time"

	"github.com/pulsedeck/backend/domain"
)

type MetricFilter struct {
	OrganizationID string
	UserID         string
	WindowMinutes  int
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

type MetricRepository interface {
	SaveBatch(ctx context.Context, rows []domain.MetricRow) error
	List(ctx context.Context, filter MetricFilter) ([]domain.MetricRow, error)
}
