package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/datawarden/datawarden/internal/models"
)

// ApprovalRepository implements repository.ApprovalRepository for PostgreSQL.
type ApprovalRepository struct {
	db *DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create persists a pending approval request.
func (r *ApprovalRepository) Create(ctx context.Context, req *models.ApprovalRequest) error {
	frozen, err := json.Marshal(req.Frozen)
	if err != nil {
		return fmt.Errorf("encoding frozen request: %w", err)
	}
	ruleIDs, _ := json.Marshal(req.RuleIDs)

	query := `
		INSERT INTO internal.approval_requests
			(approval_id, request_id, external_user_id, role, tool_name,
			 frozen_inputs, reason, rule_ids, status, signed_token,
			 token_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`

	_, err = r.db.Pool.Exec(ctx, query,
		req.ApprovalID, req.RequestID, req.ExternalUserID, req.Role, req.ToolName,
		frozen, req.Reason, ruleIDs, req.Status, req.SignedToken, req.TokenExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("creating approval request: %w", err)
	}
	return nil
}

const approvalColumns = `
	approval_id, request_id, external_user_id, role, tool_name,
	frozen_inputs, reason, rule_ids, status,
	COALESCE(approver_external_id, ''), COALESCE(approver_decision, ''),
	COALESCE(approver_reason, ''), signed_token, token_expires_at,
	created_at, decided_at`

func scanApproval(row pgx.Row) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var frozen, ruleIDs []byte

	err := row.Scan(
		&req.ApprovalID, &req.RequestID, &req.ExternalUserID, &req.Role, &req.ToolName,
		&frozen, &req.Reason, &ruleIDs, &req.Status,
		&req.ApproverExternalID, &req.ApproverDecision,
		&req.ApproverReason, &req.SignedToken, &req.TokenExpiresAt,
		&req.CreatedAt, &req.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(frozen, &req.Frozen); err != nil {
		return nil, fmt.Errorf("decoding frozen request: %w", err)
	}
	if err := json.Unmarshal(ruleIDs, &req.RuleIDs); err != nil {
		req.RuleIDs = []string{}
	}
	return &req, nil
}

// Get returns an approval request by ID, or nil when unknown.
func (r *ApprovalRepository) Get(ctx context.Context, approvalID uuid.UUID) (*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM internal.approval_requests
		WHERE approval_id = $1`

	req, err := scanApproval(r.db.Pool.QueryRow(ctx, query, approvalID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting approval request: %w", err)
	}
	return req, nil
}

// DecideAndLog transitions pending -> approved|denied with an optimistic
// compare-and-set on the status column and, when the transition wins,
// appends the prepared audit entry in the same transaction. Either both
// rows land or neither does. Returns false when the row was no longer
// pending; the caller re-reads and reports the recorded outcome.
func (r *ApprovalRepository) DecideAndLog(ctx context.Context, approvalID uuid.UUID, status models.ApprovalStatus, approverExternalID, approverReason string, entry *models.AuditEntry) (bool, error) {
	query := `
		UPDATE internal.approval_requests
		SET status = $2,
		    approver_external_id = $3,
		    approver_decision = $2,
		    approver_reason = $4,
		    decided_at = NOW()
		WHERE approval_id = $1 AND status = 'pending'`

	won := false
	err := r.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, approvalID, status, approverExternalID, approverReason)
		if err != nil {
			return fmt.Errorf("deciding approval request: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return nil
		}
		won = true
		return insertAuditEntry(ctx, tx, entry)
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// ExpirePending sweeps lapsed pending requests to expired and returns them.
func (r *ApprovalRepository) ExpirePending(ctx context.Context) ([]models.ApprovalRequest, error) {
	query := `
		UPDATE internal.approval_requests
		SET status = 'expired', decided_at = NOW()
		WHERE status = 'pending' AND token_expires_at < NOW()
		RETURNING ` + approvalColumns

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("expiring approval requests: %w", err)
	}
	defer rows.Close()

	var expired []models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired approval: %w", err)
		}
		expired = append(expired, *req)
	}
	return expired, rows.Err()
}
