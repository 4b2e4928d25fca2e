package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/datawarden/datawarden/internal/models"
)

// IdentityRepository implements repository.IdentityRepository for PostgreSQL.
type IdentityRepository struct {
	db *DB
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(db *DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Get returns the identity for an external user ID, or nil when unknown.
func (r *IdentityRepository) Get(ctx context.Context, externalUserID string) (*models.Identity, error) {
	query := `
		SELECT external_user_id, display_name, role, COALESCE(region, ''), created_at
		FROM internal.users
		WHERE external_user_id = $1`

	var id models.Identity
	err := r.db.Pool.QueryRow(ctx, query, externalUserID).Scan(
		&id.ExternalUserID, &id.DisplayName, &id.Role, &id.Region, &id.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting identity: %w", err)
	}

	return &id, nil
}
