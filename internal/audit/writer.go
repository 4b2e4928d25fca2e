package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datawarden/datawarden/internal/models"
	"github.com/datawarden/datawarden/internal/repository"
)

// Writer records terminal outcomes. Writes are synchronous: Record returns
// only after the row is durable, and a failed write is surfaced as
// audit.write_failed so the orchestrator withholds the tool result rather
// than replying unlogged.
type Writer struct {
	repo repository.AuditRepository
}

// NewWriter creates an audit writer.
func NewWriter(repo repository.AuditRepository) *Writer {
	return &Writer{repo: repo}
}

// Entry describes one terminal outcome to record.
type Entry struct {
	RequestID      uuid.UUID
	ExternalUserID string
	Role           models.Role
	ToolName       models.ToolName
	Inputs         map[string]any
	Outputs        map[string]any
	Decision       string
	RuleIDs        []string
	Constraints    map[string]any
	LatencyMs      int64
	RowCount       *int
	Error          string
}

// Prepare redacts and stamps an entry, ready for persistence. Callers that
// need the write inside a wider transaction (the approval decide path)
// prepare here and hand the row to the repository themselves.
func (w *Writer) Prepare(e *Entry) *models.AuditEntry {
	entry := &models.AuditEntry{
		LogID:           uuid.New(),
		RequestID:       e.RequestID,
		ExternalUserID:  e.ExternalUserID,
		Role:            e.Role,
		ToolName:        e.ToolName,
		InputsRedacted:  RedactInputs(e.ToolName, e.Inputs),
		OutputsRedacted: RedactOutputs(e.Outputs),
		Decision:        e.Decision,
		RuleIDs:         e.RuleIDs,
		Constraints:     e.Constraints,
		LatencyMs:       e.LatencyMs,
		RowCount:        e.RowCount,
		Error:           RedactString(e.Error),
		CreatedAt:       time.Now().UTC(),
	}
	if entry.RuleIDs == nil {
		entry.RuleIDs = []string{}
	}
	return entry
}

// Record redacts and persists one audit entry before the caller may reply.
func (w *Writer) Record(ctx context.Context, e *Entry) error {
	entry := w.Prepare(e)

	if err := w.repo.Append(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("request_id", e.RequestID.String()).
			Msg("audit write failed")
		return models.WrapErr(models.ErrAuditWriteFailed, "recording audit entry", err)
	}
	return nil
}
