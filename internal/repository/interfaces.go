// Package repository defines data access interfaces for DataWarden.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/datawarden/datawarden/internal/models"
)

// IdentityRepository resolves server-side authoritative identities.
type IdentityRepository interface {
	// Get returns the identity for an external user ID, or nil when the
	// caller is unknown.
	Get(ctx context.Context, externalUserID string) (*models.Identity, error)
}

// ApprovalRepository persists suspended requests and their transitions.
type ApprovalRepository interface {
	Create(ctx context.Context, req *models.ApprovalRequest) error
	Get(ctx context.Context, approvalID uuid.UUID) (*models.ApprovalRequest, error)

	// DecideAndLog transitions pending -> approved|denied atomically and,
	// when the transition wins, persists the prepared audit entry in the
	// same transaction. It returns false when the row was not pending, in
	// which case the caller must re-read and report the recorded outcome.
	DecideAndLog(ctx context.Context, approvalID uuid.UUID, status models.ApprovalStatus, approverExternalID, approverReason string, entry *models.AuditEntry) (bool, error)

	// ExpirePending transitions every pending request whose token has
	// lapsed to expired and returns the transitioned rows.
	ExpirePending(ctx context.Context) ([]models.ApprovalRequest, error)
}

// AuditRepository appends to and reads back the immutable audit log.
type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditEntry) error

	// GetByRequestID returns the most recent entry for a request ID, or nil.
	// Used by the orchestrator to collapse duplicate request IDs.
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.AuditEntry, error)
}

// DocRepository searches document chunks for the search_docs tool.
type DocRepository interface {
	// Search returns the top k chunks ranked by relevance, restricted to
	// chunks whose ACL tags admit the given role.
	Search(ctx context.Context, query string, k int, role models.Role) ([]models.DocChunk, error)
}

// MetricRepository fetches metric definitions for the explain_metric tool.
type MetricRepository interface {
	// Get returns the definition for a metric name, or nil when unknown.
	Get(ctx context.Context, name string) (*models.MetricDefinition, error)
}
