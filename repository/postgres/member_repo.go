package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsedeck/backend/repository"
)

type membershipRepository struct {
	pool *pgxpool.Pool
}

// NewMembershipRepository creates a Postgres-backed MembershipRepository implementation.
func NewMembershipRepository(pool *pgxpool.Pool) repository.MembershipRepository {
	return &membershipRepository{pool: pool}
}

func (r *membershipRepository) MayAccess(ctx context.Context, userID, orgID string) (bool, error) {
	if userID == "" || orgID == "" {
		return false, nil
	}

	const query = `
	SELECT 1
	FROM org_members
	WHERE user_id = $1 AND organization_id = $2
	`
	var one int
	if err := r.pool.QueryRow(ctx, query, userID, orgID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *membershipRepository) RoleOf(ctx context.Context, userID, orgID string) (string, error) {
	const query = `
	SELECT role
	FROM org_members
	WHERE user_id = $1 AND organization_id = $2
	`
	var role string
	if err := r.pool.QueryRow(ctx, query, userID, orgID).Scan(&role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return role, nil
}
