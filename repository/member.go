package repository

import "context"

// MembershipRepository answers organization access questions for the event bus
// and the HTTP layer.
type MembershipRepository interface {
	MayAccess(ctx context.Context, userID, orgID string) (bool, error)
	RoleOf(ctx context.Context, userID, orgID string) (string, error)
}
