package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/datawarden/datawarden/internal/models"
)

// MetricRepository implements repository.MetricRepository for PostgreSQL.
type MetricRepository struct {
	db *DB
}

// NewMetricRepository creates a new MetricRepository.
func NewMetricRepository(db *DB) *MetricRepository {
	return &MetricRepository{db: db}
}

// Get returns a metric definition by name, or nil when unknown.
func (r *MetricRepository) Get(ctx context.Context, name string) (*models.MetricDefinition, error) {
	query := `
		SELECT name, display_name, definition, sql_expression, owner_team, updated_at
		FROM internal.metrics
		WHERE name = $1`

	var m models.MetricDefinition
	err := r.db.Pool.QueryRow(ctx, query, name).Scan(
		&m.Name, &m.DisplayName, &m.Definition, &m.SQLExpression, &m.OwnerTeam, &m.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting metric %s: %w", name, err)
	}

	return &m, nil
}
