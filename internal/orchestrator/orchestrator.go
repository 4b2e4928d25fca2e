// Package orchestrator is the top-level entry point for tool calls. Each
// request walks Received -> Analyzed -> Decided -> (Executed | Suspended |
// Refused) -> Logged -> Responded; the audit write always happens before
// the client sees the response.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datawarden/datawarden/internal/audit"
	"github.com/datawarden/datawarden/internal/constraint"
	"github.com/datawarden/datawarden/internal/models"
	"github.com/datawarden/datawarden/internal/repository"
	"github.com/datawarden/datawarden/internal/sqlanalyzer"
)

// PolicyEvaluator produces the aggregate verdict for a decision input.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in *models.DecisionInput) *models.DecisionOutput
}

// ToolExecutor runs an allowed invocation.
type ToolExecutor interface {
	Execute(ctx context.Context, call *models.ToolCall, identity *models.Identity, decision *models.DecisionOutput, query string) (*models.ToolOutput, error)
}

// ApprovalCreator suspends a call that requires a second-party decision.
type ApprovalCreator interface {
	Create(ctx context.Context, call *models.ToolCall, identity *models.Identity, in *models.DecisionInput, out *models.DecisionOutput) (*models.ApprovalRequest, error)
}

// Orchestrator coordinates one tool call end to end.
type Orchestrator struct {
	identities repository.IdentityRepository
	auditRepo  repository.AuditRepository
	policy     PolicyEvaluator
	executor   ToolExecutor
	approvals  ApprovalCreator
	auditor    *audit.Writer
	rendezvous *rendezvous
}

// New wires the orchestrator.
func New(
	identities repository.IdentityRepository,
	auditRepo repository.AuditRepository,
	policy PolicyEvaluator,
	executor ToolExecutor,
	approvals ApprovalCreator,
	auditor *audit.Writer,
) *Orchestrator {
	return &Orchestrator{
		identities: identities,
		auditRepo:  auditRepo,
		policy:     policy,
		executor:   executor,
		approvals:  approvals,
		auditor:    auditor,
		rendezvous: newRendezvous(),
	}
}

// HandleToolCall processes one envelope. Concurrent arrivals sharing a
// request ID collapse: the second caller receives the first caller's
// outcome, either from the in-process rendezvous or from the audit log.
func (o *Orchestrator) HandleToolCall(ctx context.Context, call *models.ToolCall) (*models.InvokeResponse, error) {
	if err := validateEnvelope(call); err != nil {
		return nil, err
	}

	claim, waiter := o.rendezvous.claim(call.RequestID)
	if waiter != nil {
		return awaitDuplicate(ctx, waiter)
	}
	defer claim.close()

	// A request ID already settled in a previous process lifetime is served
	// from the audit log.
	if prior, err := o.auditRepo.GetByRequestID(ctx, call.RequestID); err == nil && prior != nil {
		resp := responseFromAudit(prior)
		claim.settle(resp, nil)
		return resp, nil
	}

	resp, err := o.process(ctx, call)
	claim.settle(resp, err)
	return resp, err
}

func awaitDuplicate(ctx context.Context, waiter *inflight) (*models.InvokeResponse, error) {
	select {
	case <-waiter.done:
		return waiter.resp, waiter.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) process(ctx context.Context, call *models.ToolCall) (*models.InvokeResponse, error) {
	// Identity is authoritative: role and region come from the session
	// table, never from the envelope.
	identity, err := o.identities.Get(ctx, call.ExternalUserID)
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}
	if identity == nil {
		// No authenticated subject: surfaced without auditing.
		return nil, models.E(models.ErrIdentityUnknown, "unknown identity %q", call.ExternalUserID)
	}

	in, analyzeErr := o.buildDecisionInput(call, identity)
	if analyzeErr != nil {
		return o.refuse(ctx, call, identity, &models.DecisionOutput{
			Decision:    models.DecisionDeny,
			Reason:      analyzeErr.Error(),
			RuleIDs:     []string{string(models.ErrAnalyzerParse)},
			Constraints: map[string]any{},
		})
	}

	decision := o.policy.Evaluate(ctx, in)

	switch decision.Decision {
	case models.DecisionDeny:
		return o.refuse(ctx, call, identity, decision)
	case models.DecisionRequireApproval:
		return o.suspend(ctx, call, identity, in, decision)
	case models.DecisionAllow:
		return o.execute(ctx, call, identity, in, decision)
	default:
		// An unrecognized verdict fails closed.
		log.Error().Str("decision", string(decision.Decision)).Msg("unexpected policy verdict, denying")
		return o.refuse(ctx, call, identity, &models.DecisionOutput{
			Decision:    models.DecisionDeny,
			Reason:      "policy produced an unrecognized verdict",
			RuleIDs:     []string{string(models.ErrPolicyDenied)},
			Constraints: map[string]any{},
		})
	}
}

// buildDecisionInput normalizes the call into the pure description the
// policy engine evaluates. SQL calls are analyzed; other tools carry only
// role, region, and tool name.
func (o *Orchestrator) buildDecisionInput(call *models.ToolCall, identity *models.Identity) (*models.DecisionInput, error) {
	in := &models.DecisionInput{
		Role:    identity.Role,
		Region:  identity.Region,
		Tool:    call.ToolName,
		Tables:  []models.TableRef{},
		Columns: []string{},
	}

	if declared, ok := call.Inputs["row_count"].(float64); ok && declared > 0 {
		in.RowCount = int(declared)
	}

	if call.ToolName != models.ToolRunSQL {
		return in, nil
	}

	query, _ := call.Inputs["query"].(string)
	analysis, err := sqlanalyzer.Analyze(query)
	if err != nil {
		return nil, err
	}
	in.QueryType = analysis.QueryType
	in.HasLimit = analysis.HasLimit
	in.IsAggregate = analysis.IsAggregate
	if analysis.Tables != nil {
		in.Tables = analysis.Tables
	}
	if analysis.Columns != nil {
		in.Columns = analysis.Columns
	}
	return in, nil
}

func (o *Orchestrator) refuse(ctx context.Context, call *models.ToolCall, identity *models.Identity, decision *models.DecisionOutput) (*models.InvokeResponse, error) {
	if err := o.auditor.Record(ctx, &audit.Entry{
		RequestID:      call.RequestID,
		ExternalUserID: call.ExternalUserID,
		Role:           identity.Role,
		ToolName:       call.ToolName,
		Inputs:         call.Inputs,
		Decision:       string(models.DecisionDeny),
		RuleIDs:        decision.RuleIDs,
		Constraints:    decision.Constraints,
	}); err != nil {
		return nil, err
	}

	return &models.InvokeResponse{
		Status:    models.StatusDeny,
		RequestID: call.RequestID,
		Decision: models.DecisionSummary{
			Reason:      decision.Reason,
			RuleIDs:     decision.RuleIDs,
			Constraints: decision.Constraints,
		},
	}, nil
}

func (o *Orchestrator) suspend(ctx context.Context, call *models.ToolCall, identity *models.Identity, in *models.DecisionInput, decision *models.DecisionOutput) (*models.InvokeResponse, error) {
	req, err := o.approvals.Create(ctx, call, identity, in, decision)
	if err != nil {
		return nil, fmt.Errorf("suspending for approval: %w", err)
	}

	if err := o.auditor.Record(ctx, &audit.Entry{
		RequestID:      call.RequestID,
		ExternalUserID: call.ExternalUserID,
		Role:           identity.Role,
		ToolName:       call.ToolName,
		Inputs:         call.Inputs,
		Decision:       string(models.DecisionRequireApproval),
		RuleIDs:        decision.RuleIDs,
		Constraints:    decision.Constraints,
	}); err != nil {
		return nil, err
	}

	return &models.InvokeResponse{
		Status:    models.StatusPending,
		RequestID: call.RequestID,
		Decision: models.DecisionSummary{
			Reason:      decision.Reason,
			RuleIDs:     decision.RuleIDs,
			Constraints: decision.Constraints,
		},
		ApprovalID: &req.ApprovalID,
		ExpiresAt:  &req.TokenExpiresAt,
	}, nil
}

func (o *Orchestrator) execute(ctx context.Context, call *models.ToolCall, identity *models.Identity, in *models.DecisionInput, decision *models.DecisionOutput) (*models.InvokeResponse, error) {
	query, _ := call.Inputs["query"].(string)
	if call.ToolName == models.ToolRunSQL {
		var err error
		query, err = constraint.ApplySQL(query, constraint.QueryFacts{
			QueryType: in.QueryType,
			Tables:    in.Tables,
			HasLimit:  in.HasLimit,
		}, decision, constraint.LimitRequired(identity.Role))
		if err != nil {
			return nil, fmt.Errorf("applying constraints: %w", err)
		}
	}

	// Client disconnect must not cancel the call: the invocation runs to
	// completion so the audit record always reflects what happened.
	execCtx := context.WithoutCancel(ctx)
	start := time.Now()
	output, execErr := o.executor.Execute(execCtx, call, identity, decision, query)

	entry := &audit.Entry{
		RequestID:      call.RequestID,
		ExternalUserID: call.ExternalUserID,
		Role:           identity.Role,
		ToolName:       call.ToolName,
		Inputs:         call.Inputs,
		Decision:       string(models.DecisionAllow),
		RuleIDs:        decision.RuleIDs,
		Constraints:    decision.Constraints,
		LatencyMs:      time.Since(start).Milliseconds(),
	}
	if output != nil {
		entry.LatencyMs = output.LatencyMs
		rc := output.RowCount
		entry.RowCount = &rc
		if output.Result != nil {
			entry.Outputs = map[string]any{"result": output.Result, "row_count": output.RowCount}
		}
	}
	if execErr != nil {
		entry.Error = execErr.Error()
		if kind := models.KindOf(execErr); kind != "" {
			entry.Decision = string(kind)
		}
	}

	// The audit write happens-before the response; a failed write withholds
	// the result entirely.
	if err := o.auditor.Record(execCtx, entry); err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}

	return &models.InvokeResponse{
		Status:    models.StatusAllow,
		RequestID: call.RequestID,
		Decision: models.DecisionSummary{
			Reason:      decision.Reason,
			RuleIDs:     decision.RuleIDs,
			Constraints: decision.Constraints,
		},
		Result: output.Result,
	}, nil
}

func validateEnvelope(call *models.ToolCall) error {
	if call.RequestID == uuid.Nil {
		return models.E(models.ErrEnvelopeMalformed, "request_id is required")
	}
	if call.ExternalUserID == "" {
		return models.E(models.ErrEnvelopeMalformed, "external_user_id is required")
	}
	switch call.ToolName {
	case models.ToolRunSQL, models.ToolSearchDocs, models.ToolExplainMetric, models.ToolGenerateChart:
	default:
		return models.E(models.ErrEnvelopeMalformed, "unknown tool %q", call.ToolName)
	}
	if call.Inputs == nil {
		return models.E(models.ErrEnvelopeMalformed, "inputs are required")
	}
	return nil
}

// responseFromAudit reconstructs the client-visible response for a request
// ID that already settled, using the audit log as the source of truth.
func responseFromAudit(entry *models.AuditEntry) *models.InvokeResponse {
	resp := &models.InvokeResponse{
		RequestID: entry.RequestID,
		Decision: models.DecisionSummary{
			RuleIDs:     entry.RuleIDs,
			Constraints: entry.Constraints,
		},
	}
	switch entry.Decision {
	case string(models.DecisionAllow):
		resp.Status = models.StatusAllow
		if result, ok := entry.OutputsRedacted["result"]; ok {
			resp.Result = result
		}
	case string(models.DecisionRequireApproval):
		resp.Status = models.StatusPending
	default:
		resp.Status = models.StatusDeny
	}
	return resp
}
