package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datawarden/datawarden/internal/approval"
	"github.com/datawarden/datawarden/internal/models"
	"github.com/datawarden/datawarden/internal/orchestrator"
	"github.com/datawarden/datawarden/internal/repository"
	"github.com/datawarden/datawarden/internal/telemetry"
)

// Handlers holds all API handlers with their dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Coordinator  *approval.Coordinator
	Approvals    repository.ApprovalRepository
	Identities   repository.IdentityRepository
	Telemetry    *telemetry.Provider // optional
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(orch *orchestrator.Orchestrator, coord *approval.Coordinator, approvals repository.ApprovalRepository, identities repository.IdentityRepository, tel *telemetry.Provider) *Handlers {
	return &Handlers{
		Orchestrator: orch,
		Coordinator:  coord,
		Approvals:    approvals,
		Identities:   identities,
		Telemetry:    tel,
	}
}

// InvokeTool accepts a tool-call envelope and returns the resolved business
// outcome. A DENY resolves with 200: refusal is a decision, not a transport
// failure.
func (h *Handlers) InvokeTool(c *gin.Context) {
	var call models.ToolCall
	if err := c.ShouldBindJSON(&call); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": string(models.ErrEnvelopeMalformed),
		})
		return
	}

	ctx := c.Request.Context()
	start := time.Now()
	if h.Telemetry != nil {
		h.Telemetry.StartInvocation(ctx, string(call.ToolName))
		defer h.Telemetry.EndInvocation(ctx, string(call.ToolName))
	}

	resp, err := h.Orchestrator.HandleToolCall(ctx, &call)

	if h.Telemetry != nil {
		decision := "error"
		if resp != nil {
			decision = string(resp.Status)
		}
		h.Telemetry.RecordInvocation(ctx, telemetry.InvocationMetrics{
			Tool:     string(call.ToolName),
			Decision: decision,
			Duration: time.Since(start),
			Success:  err == nil,
		})
	}

	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// approvalCallbackRequest is the body posted by the chat front-end when an
// admin acts on an approval prompt.
type approvalCallbackRequest struct {
	ApprovalID         uuid.UUID `json:"approval_id" binding:"required"`
	ApproverExternalID string    `json:"approver_external_id" binding:"required"`
	Decision           string    `json:"decision" binding:"required"`
	Reason             string    `json:"reason"`
	Token              string    `json:"token" binding:"required"`
}

// ApprovalCallback applies a second-party decision to a pending approval.
func (h *Handlers) ApprovalCallback(c *gin.Context) {
	var req approvalCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": string(models.ErrEnvelopeMalformed),
		})
		return
	}

	outcome, err := h.Coordinator.Submit(c.Request.Context(), &approval.SubmitRequest{
		ApprovalID:         req.ApprovalID,
		ApproverExternalID: req.ApproverExternalID,
		Decision:           req.Decision,
		Reason:             req.Reason,
		Token:              req.Token,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.Telemetry != nil {
		h.Telemetry.RecordApproval(c.Request.Context(), string(outcome.Status))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  string(outcome.Status),
		"outcome": outcome,
	})
}

// GetApproval returns the current state of an approval request, including
// the rendered prompt while pending. Requesters poll this endpoint after a
// REQUIRE_APPROVAL response.
func (h *Handlers) GetApproval(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid approval ID"})
		return
	}

	req, err := h.Approvals.Get(c.Request.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("approval_id", id.String()).Msg("failed to load approval")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load approval"})
		return
	}
	if req == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "approval not found"})
		return
	}

	payload := gin.H{"approval": req}
	if req.Status == models.ApprovalPending {
		payload["prompt"] = h.Coordinator.Prompt(req, h.requesterName(c.Request.Context(), req.ExternalUserID))
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handlers) requesterName(ctx context.Context, externalUserID string) string {
	identity, err := h.Identities.Get(ctx, externalUserID)
	if err != nil || identity == nil {
		return externalUserID
	}
	return identity.DisplayName
}

// writeError maps error kinds to transport status codes. Policy refusals
// never reach here — they resolve as 200 business outcomes upstream.
func (h *Handlers) writeError(c *gin.Context, err error) {
	kind := models.KindOf(err)
	status := http.StatusInternalServerError

	switch kind {
	case models.ErrEnvelopeMalformed:
		status = http.StatusBadRequest
	case models.ErrIdentityUnknown:
		status = http.StatusUnauthorized
	case models.ErrExecutorTimeout:
		status = http.StatusGatewayTimeout
	case models.ErrTokenInvalid, models.ErrTokenExpired:
		status = http.StatusUnauthorized
	case models.ErrNotAdmin, models.ErrSelfApproval:
		status = http.StatusForbidden
	case models.ErrAlreadyDecided:
		status = http.StatusConflict
	case models.ErrPoolExhausted:
		status = http.StatusServiceUnavailable
	case models.ErrExecutorDB, models.ErrAuditWriteFailed:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}

	payload := gin.H{"error": err.Error()}
	if kind != "" {
		payload["kind"] = string(kind)
	}
	c.JSON(status, payload)
}
