package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/datawarden/datawarden/internal/models"
)

// execer is satisfied by both the pool and a transaction, so audit rows can
// be written standalone or inside a wider transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditRepository implements repository.AuditRepository for PostgreSQL. The
// audit log is append-only at the application layer: no update or delete
// path exists here.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	return insertAuditEntry(ctx, r.db.Pool, entry)
}

func insertAuditEntry(ctx context.Context, ex execer, entry *models.AuditEntry) error {
	inputs, _ := json.Marshal(entry.InputsRedacted)
	outputs, _ := json.Marshal(entry.OutputsRedacted)
	ruleIDs, _ := json.Marshal(entry.RuleIDs)
	constraints, _ := json.Marshal(entry.Constraints)

	query := `
		INSERT INTO internal.audit_logs
			(log_id, request_id, external_user_id, role, tool_name,
			 inputs_redacted, outputs_redacted, decision, rule_ids, constraints,
			 latency_ms, row_count, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())`

	_, err := ex.Exec(ctx, query,
		entry.LogID, entry.RequestID, entry.ExternalUserID, entry.Role, entry.ToolName,
		inputs, outputs, entry.Decision, ruleIDs, constraints,
		entry.LatencyMs, entry.RowCount, nullable(entry.Error),
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// GetByRequestID returns the most recent entry for a request ID, or nil.
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.AuditEntry, error) {
	query := `
		SELECT log_id, request_id, external_user_id, role, tool_name,
		       inputs_redacted, outputs_redacted, decision, rule_ids, constraints,
		       latency_ms, row_count, COALESCE(error, ''), created_at
		FROM internal.audit_logs
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var e models.AuditEntry
	var inputs, outputs, ruleIDs, constraints []byte

	err := r.db.Pool.QueryRow(ctx, query, requestID).Scan(
		&e.LogID, &e.RequestID, &e.ExternalUserID, &e.Role, &e.ToolName,
		&inputs, &outputs, &e.Decision, &ruleIDs, &constraints,
		&e.LatencyMs, &e.RowCount, &e.Error, &e.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading audit entry: %w", err)
	}

	json.Unmarshal(inputs, &e.InputsRedacted)
	json.Unmarshal(outputs, &e.OutputsRedacted)
	json.Unmarshal(ruleIDs, &e.RuleIDs)
	json.Unmarshal(constraints, &e.Constraints)

	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
