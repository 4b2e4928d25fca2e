// Package approval implements the human-in-the-loop state machine: pending
// requests are persisted with a signed, time-bounded token, decided by a
// second party, and resumed or aborted without ever widening authorization.
package approval

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datawarden/datawarden/internal/audit"
	"github.com/datawarden/datawarden/internal/constraint"
	"github.com/datawarden/datawarden/internal/models"
	"github.com/datawarden/datawarden/internal/repository"
)

// PolicyEvaluator re-runs a frozen decision input through the bundle with
// the approval layer excluded.
type PolicyEvaluator interface {
	EvaluatePostApproval(ctx context.Context, in *models.DecisionInput) *models.DecisionOutput
}

// ToolExecutor runs an approved invocation.
type ToolExecutor interface {
	Execute(ctx context.Context, call *models.ToolCall, identity *models.Identity, decision *models.DecisionOutput, query string) (*models.ToolOutput, error)
}

// Coordinator owns the approval lifecycle.
type Coordinator struct {
	approvals  repository.ApprovalRepository
	identities repository.IdentityRepository
	auditor    *audit.Writer
	policy     PolicyEvaluator
	executor   ToolExecutor
	secret     []byte
	ttl        time.Duration
}

// NewCoordinator wires the approval state machine.
func NewCoordinator(
	approvals repository.ApprovalRepository,
	identities repository.IdentityRepository,
	auditor *audit.Writer,
	policy PolicyEvaluator,
	executor ToolExecutor,
	secret []byte,
	ttl time.Duration,
) *Coordinator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Coordinator{
		approvals:  approvals,
		identities: identities,
		auditor:    auditor,
		policy:     policy,
		executor:   executor,
		secret:     secret,
		ttl:        ttl,
	}
}

// Create suspends a tool call: the original envelope and decision input are
// frozen, a token is minted, and the pending row is persisted. The rendered
// prompt and token are handed to the chat front-end by the caller.
func (c *Coordinator) Create(ctx context.Context, call *models.ToolCall, identity *models.Identity, in *models.DecisionInput, out *models.DecisionOutput) (*models.ApprovalRequest, error) {
	approvalID := uuid.New()
	expiresAt := time.Now().Add(c.ttl).UTC()

	token, err := MintToken(c.secret, approvalID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("minting approval token: %w", err)
	}

	req := &models.ApprovalRequest{
		ApprovalID:     approvalID,
		RequestID:      call.RequestID,
		ExternalUserID: call.ExternalUserID,
		Role:           identity.Role,
		ToolName:       call.ToolName,
		Frozen: models.FrozenRequest{
			Inputs:        call.Inputs,
			DecisionInput: *in,
		},
		Reason:         out.Reason,
		RuleIDs:        out.RuleIDs,
		Status:         models.ApprovalPending,
		SignedToken:    token,
		TokenExpiresAt: expiresAt,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.approvals.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("persisting approval request: %w", err)
	}

	log.Info().
		Str("approval_id", approvalID.String()).
		Str("request_id", call.RequestID.String()).
		Str("tool", string(call.ToolName)).
		Msg("tool call suspended for approval")
	return req, nil
}

// Prompt renders the human-readable approval block shown to admins.
func (c *Coordinator) Prompt(req *models.ApprovalRequest, requesterName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval required: %s\n", req.Reason)
	fmt.Fprintf(&b, "Requester: %s (%s, role %s)\n", requesterName, req.ExternalUserID, req.Role)
	fmt.Fprintf(&b, "Tool: %s\n", req.ToolName)
	if query, ok := req.Frozen.Inputs["query"].(string); ok {
		fmt.Fprintf(&b, "Query: %s\n", query)
	}
	fmt.Fprintf(&b, "Expires: %s", req.TokenExpiresAt.Format(time.RFC3339))
	return b.String()
}

// SubmitRequest is one approver action on a pending approval.
type SubmitRequest struct {
	ApprovalID         uuid.UUID
	ApproverExternalID string
	Decision           string // "approve" or "deny"
	Reason             string
	Token              string
}

// Outcome reports the terminal state reached by a submission.
type Outcome struct {
	ApprovalID uuid.UUID             `json:"approval_id"`
	Status     models.ApprovalStatus `json:"status"`
	Executed   bool                  `json:"executed"`
	Result     any                   `json:"result,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Idempotent bool                  `json:"idempotent,omitempty"`
}

// Submit validates the token and approver, transitions the request, and on
// approval re-evaluates the frozen input and executes. Re-entry after a
// terminal state returns the recorded outcome unchanged.
func (c *Coordinator) Submit(ctx context.Context, sub *SubmitRequest) (*Outcome, error) {
	req, err := c.approvals.Get(ctx, sub.ApprovalID)
	if err != nil {
		return nil, fmt.Errorf("loading approval request: %w", err)
	}
	if req == nil {
		return nil, models.E(models.ErrTokenInvalid, "unknown approval %s", sub.ApprovalID)
	}

	if err := ValidateToken(c.secret, sub.Token, sub.ApprovalID); err != nil {
		return nil, err
	}
	// The token must also be the one minted for this row.
	if subtle.ConstantTimeCompare([]byte(sub.Token), []byte(req.SignedToken)) != 1 {
		return nil, models.E(models.ErrTokenInvalid, "approval token does not match this approval")
	}

	if req.Status.Terminal() {
		return c.recordedOutcome(req), nil
	}

	approver, err := c.identities.Get(ctx, sub.ApproverExternalID)
	if err != nil {
		return nil, fmt.Errorf("resolving approver: %w", err)
	}
	if approver == nil || approver.Role != models.RoleAdmin {
		return nil, models.E(models.ErrNotAdmin, "approver must hold the admin role")
	}
	if approver.ExternalUserID == req.ExternalUserID {
		return nil, models.E(models.ErrSelfApproval, "requester may not approve their own request")
	}

	switch sub.Decision {
	case "approve":
		return c.approve(ctx, req, sub)
	case "deny":
		return c.deny(ctx, req, sub)
	default:
		return nil, models.E(models.ErrEnvelopeMalformed, "decision must be approve or deny")
	}
}

func (c *Coordinator) recordedOutcome(req *models.ApprovalRequest) *Outcome {
	return &Outcome{
		ApprovalID: req.ApprovalID,
		Status:     req.Status,
		Executed:   req.Status == models.ApprovalApproved,
		Reason:     req.ApproverReason,
		Idempotent: true,
	}
}

func (c *Coordinator) deny(ctx context.Context, req *models.ApprovalRequest, sub *SubmitRequest) (*Outcome, error) {
	// The status transition and its audit entry commit in one transaction:
	// a denied request without an audit row cannot exist.
	entry := c.auditor.Prepare(&audit.Entry{
		RequestID:      req.RequestID,
		ExternalUserID: req.ExternalUserID,
		Role:           req.Role,
		ToolName:       req.ToolName,
		Inputs:         req.Frozen.Inputs,
		Decision:       "approval.denied",
		RuleIDs:        req.RuleIDs,
	})
	ok, err := c.approvals.DecideAndLog(ctx, req.ApprovalID, models.ApprovalDenied, sub.ApproverExternalID, sub.Reason, entry)
	if err != nil {
		return nil, models.WrapErr(models.ErrAuditWriteFailed, "recording approval denial", err)
	}
	if !ok {
		return c.reloadOutcome(ctx, req.ApprovalID)
	}

	return &Outcome{
		ApprovalID: req.ApprovalID,
		Status:     models.ApprovalDenied,
		Reason:     sub.Reason,
	}, nil
}

func (c *Coordinator) approve(ctx context.Context, req *models.ApprovalRequest, sub *SubmitRequest) (*Outcome, error) {
	entry := c.auditor.Prepare(&audit.Entry{
		RequestID:      req.RequestID,
		ExternalUserID: req.ExternalUserID,
		Role:           req.Role,
		ToolName:       req.ToolName,
		Inputs:         req.Frozen.Inputs,
		Decision:       "approval.approved",
		RuleIDs:        req.RuleIDs,
	})
	ok, err := c.approvals.DecideAndLog(ctx, req.ApprovalID, models.ApprovalApproved, sub.ApproverExternalID, sub.Reason, entry)
	if err != nil {
		return nil, models.WrapErr(models.ErrAuditWriteFailed, "recording approval decision", err)
	}
	if !ok {
		return c.reloadOutcome(ctx, req.ApprovalID)
	}

	// Re-evaluate the ORIGINAL frozen input through the non-approval layers.
	// A bundle that has tightened since suspension denies here, and the
	// approval cannot override it.
	frozen := req.Frozen.DecisionInput
	decision := c.policy.EvaluatePostApproval(ctx, &frozen)
	if decision.Decision != models.DecisionAllow {
		if err := c.auditor.Record(ctx, &audit.Entry{
			RequestID:      req.RequestID,
			ExternalUserID: req.ExternalUserID,
			Role:           req.Role,
			ToolName:       req.ToolName,
			Inputs:         req.Frozen.Inputs,
			Decision:       string(models.DecisionDeny),
			RuleIDs:        decision.RuleIDs,
			Constraints:    decision.Constraints,
		}); err != nil {
			return nil, err
		}
		return &Outcome{
			ApprovalID: req.ApprovalID,
			Status:     models.ApprovalApproved,
			Executed:   false,
			Reason:     "policy bundle no longer permits this request: " + decision.Reason,
		}, nil
	}

	return c.execute(ctx, req, decision)
}

func (c *Coordinator) execute(ctx context.Context, req *models.ApprovalRequest, decision *models.DecisionOutput) (*Outcome, error) {
	call := &models.ToolCall{
		RequestID:      req.RequestID,
		ExternalUserID: req.ExternalUserID,
		ToolName:       req.ToolName,
		Inputs:         req.Frozen.Inputs,
	}
	identity, err := c.identities.Get(ctx, req.ExternalUserID)
	if err != nil || identity == nil {
		return nil, models.E(models.ErrIdentityUnknown, "requester %s no longer resolves", req.ExternalUserID)
	}

	query, _ := req.Frozen.Inputs["query"].(string)
	if req.ToolName == models.ToolRunSQL {
		in := req.Frozen.DecisionInput
		query, err = constraint.ApplySQL(query, constraint.QueryFacts{
			QueryType: in.QueryType,
			Tables:    in.Tables,
			HasLimit:  in.HasLimit,
		}, decision, constraint.LimitRequired(identity.Role))
		if err != nil {
			return nil, fmt.Errorf("applying constraints: %w", err)
		}
	}

	output, execErr := c.executor.Execute(ctx, call, identity, decision, query)

	entry := &audit.Entry{
		RequestID:      req.RequestID,
		ExternalUserID: req.ExternalUserID,
		Role:           req.Role,
		ToolName:       req.ToolName,
		Inputs:         req.Frozen.Inputs,
		Decision:       string(models.DecisionAllow),
		RuleIDs:        decision.RuleIDs,
		Constraints:    decision.Constraints,
	}
	if output != nil {
		entry.LatencyMs = output.LatencyMs
		entry.Outputs = outputMap(output)
		rc := output.RowCount
		entry.RowCount = &rc
	}
	if execErr != nil {
		entry.Error = execErr.Error()
		entry.Decision = string(models.KindOf(execErr))
	}
	if err := c.auditor.Record(ctx, entry); err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}

	return &Outcome{
		ApprovalID: req.ApprovalID,
		Status:     models.ApprovalApproved,
		Executed:   true,
		Result:     output.Result,
	}, nil
}

func (c *Coordinator) reloadOutcome(ctx context.Context, approvalID uuid.UUID) (*Outcome, error) {
	req, err := c.approvals.Get(ctx, approvalID)
	if err != nil || req == nil {
		return nil, models.E(models.ErrAlreadyDecided, "approval %s was decided concurrently", approvalID)
	}
	return c.recordedOutcome(req), nil
}

// Sweep transitions lapsed pending requests to expired, writing one audit
// entry per expiry. Returns the number of requests expired.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	expired, err := c.approvals.ExpirePending(ctx)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		req := &expired[i]
		if err := c.auditor.Record(ctx, &audit.Entry{
			RequestID:      req.RequestID,
			ExternalUserID: req.ExternalUserID,
			Role:           req.Role,
			ToolName:       req.ToolName,
			Inputs:         req.Frozen.Inputs,
			Decision:       "approval.expired",
			RuleIDs:        req.RuleIDs,
		}); err != nil {
			return i, err
		}
		log.Info().
			Str("approval_id", req.ApprovalID.String()).
			Msg("approval request expired")
	}
	return len(expired), nil
}

// RunSweeper sweeps on the given interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("approval sweep failed")
			} else if n > 0 {
				log.Info().Int("expired", n).Msg("approval sweep completed")
			}
		}
	}
}

// outputMap projects a tool output into a redactable map for audit.
func outputMap(out *models.ToolOutput) map[string]any {
	if out == nil || out.Result == nil {
		return nil
	}
	return map[string]any{"result": out.Result, "row_count": out.RowCount}
}
