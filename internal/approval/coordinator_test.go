package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawarden/datawarden/internal/audit"
	"github.com/datawarden/datawarden/internal/models"
)

// --- fakes ---

type fakeApprovalRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*models.ApprovalRequest
	audit *fakeAuditRepo // entries land here on a winning CAS, like the tx does
}

func newFakeApprovalRepo(audit *fakeAuditRepo) *fakeApprovalRepo {
	return &fakeApprovalRepo{rows: map[uuid.UUID]*models.ApprovalRequest{}, audit: audit}
}

func (f *fakeApprovalRepo) Create(_ context.Context, req *models.ApprovalRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *req
	f.rows[req.ApprovalID] = &cp
	return nil
}

func (f *fakeApprovalRepo) Get(_ context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (f *fakeApprovalRepo) DecideAndLog(ctx context.Context, id uuid.UUID, status models.ApprovalStatus, approver, reason string, entry *models.AuditEntry) (bool, error) {
	f.mu.Lock()
	row, ok := f.rows[id]
	if !ok || row.Status != models.ApprovalPending {
		f.mu.Unlock()
		return false, nil
	}
	now := time.Now()
	row.Status = status
	row.ApproverExternalID = approver
	row.ApproverDecision = string(status)
	row.ApproverReason = reason
	row.DecidedAt = &now
	f.mu.Unlock()
	return true, f.audit.Append(ctx, entry)
}

func (f *fakeApprovalRepo) ExpirePending(_ context.Context) ([]models.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var expired []models.ApprovalRequest
	now := time.Now()
	for _, row := range f.rows {
		if row.Status == models.ApprovalPending && row.TokenExpiresAt.Before(now) {
			row.Status = models.ApprovalExpired
			row.DecidedAt = &now
			expired = append(expired, *row)
		}
	}
	return expired, nil
}

type fakeIdentityRepo struct {
	identities map[string]*models.Identity
}

func (f *fakeIdentityRepo) Get(_ context.Context, id string) (*models.Identity, error) {
	return f.identities[id], nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (f *fakeAuditRepo) Append(_ context.Context, e *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAuditRepo) GetByRequestID(_ context.Context, requestID uuid.UUID) (*models.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].RequestID == requestID {
			cp := f.entries[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAuditRepo) decisions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Decision
	}
	return out
}

type fakePolicy struct {
	post *models.DecisionOutput
}

func (f *fakePolicy) EvaluatePostApproval(_ context.Context, _ *models.DecisionInput) *models.DecisionOutput {
	return f.post
}

type fakeExecutor struct {
	calls  int
	result *models.ToolOutput
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, _ *models.ToolCall, _ *models.Identity, _ *models.DecisionOutput, _ string) (*models.ToolOutput, error) {
	f.calls++
	return f.result, f.err
}

// --- fixtures ---

const (
	requesterID = "U-analyst"
	adminID     = "U-admin"
)

type coordFixture struct {
	coord     *Coordinator
	approvals *fakeApprovalRepo
	auditRepo *fakeAuditRepo
	exec      *fakeExecutor
	policy    *fakePolicy
}

func newFixture(t *testing.T) *coordFixture {
	t.Helper()
	auditRepo := &fakeAuditRepo{}
	approvals := newFakeApprovalRepo(auditRepo)
	identities := &fakeIdentityRepo{identities: map[string]*models.Identity{
		requesterID: {ExternalUserID: requesterID, DisplayName: "Ana Lyst", Role: models.RoleDataAnalyst},
		adminID:     {ExternalUserID: adminID, DisplayName: "Ada Min", Role: models.RoleAdmin},
		"U-sales":   {ExternalUserID: "U-sales", DisplayName: "Sal Es", Role: models.RoleSales, Region: models.RegionNA},
	}}
	pol := &fakePolicy{post: &models.DecisionOutput{
		Decision:    models.DecisionAllow,
		Reason:      "re-evaluation passed",
		RuleIDs:     []string{},
		Constraints: map[string]any{},
	}}
	exec := &fakeExecutor{result: &models.ToolOutput{
		Result:    &models.SQLResult{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}, RowCount: 1},
		RowCount:  1,
		LatencyMs: 3,
	}}

	coord := NewCoordinator(approvals, identities, audit.NewWriter(auditRepo), pol, exec, tokenSecret, time.Hour)
	return &coordFixture{coord: coord, approvals: approvals, auditRepo: auditRepo, exec: exec, policy: pol}
}

func (fx *coordFixture) createPending(t *testing.T) *models.ApprovalRequest {
	t.Helper()
	call := &models.ToolCall{
		RequestID:      uuid.New(),
		ExternalUserID: requesterID,
		ToolName:       models.ToolRunSQL,
		Inputs:         map[string]any{"query": "SELECT contact_name FROM raw.customers LIMIT 10"},
	}
	identity := &models.Identity{ExternalUserID: requesterID, Role: models.RoleDataAnalyst}
	in := &models.DecisionInput{
		Role:      models.RoleDataAnalyst,
		Tool:      models.ToolRunSQL,
		Tables:    []models.TableRef{{Schema: "raw", Table: "customers"}},
		Columns:   []string{"contact_name"},
		QueryType: "SELECT",
		HasLimit:  true,
	}
	out := &models.DecisionOutput{
		Decision:    models.DecisionRequireApproval,
		Reason:      "Access to raw schema requires admin approval",
		RuleIDs:     []string{"approval.sensitive_schema"},
		Constraints: map[string]any{models.ConstraintApprovalType: "sensitive_schema"},
	}

	req, err := fx.coord.Create(context.Background(), call, identity, in, out)
	require.NoError(t, err)
	require.Equal(t, models.ApprovalPending, req.Status)
	require.NotEmpty(t, req.SignedToken)
	return req
}

// --- tests ---

func TestCoordinator_ApproveExecutesAndAuditsTwice(t *testing.T) {
	fx := newFixture(t)
	req := fx.createPending(t)

	outcome, err := fx.coord.Submit(context.Background(), &SubmitRequest{
		ApprovalID:         req.ApprovalID,
		ApproverExternalID: adminID,
		Decision:           "approve",
		Reason:             "looks fine",
		Token:              req.SignedToken,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalApproved, outcome.Status)
	assert.True(t, outcome.Executed)
	assert.NotNil(t, outcome.Result)
	assert.Equal(t, 1, fx.exec.calls)
	assert.Equal(t, []string{"approval.approved", "ALLOW"}, fx.auditRepo.decisions())
}

func TestCoordinator_DenyWritesOneAuditEntryAndSkipsExecution(t *testing.T) {
	fx := newFixture(t)
	req := fx.createPending(t)

	outcome, err := fx.coord.Submit(context.Background(), &SubmitRequest{
		ApprovalID:         req.ApprovalID,
		ApproverExternalID: adminID,
		Decision:           "deny",
		Reason:             "not during quarter close",
		Token:              req.SignedToken,
	})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalDenied, outcome.Status)
	assert.False(t, outcome.Executed)
	assert.Equal(t, 0, fx.exec.calls)
	assert.Equal(t, []string{"approval.denied"}, fx.auditRepo.decisions())
}

func TestCoordinator_SecondSubmitIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	req := fx.createPending(t)

	sub := &SubmitRequest{
		ApprovalID:         req.ApprovalID,
		ApproverExternalID: adminID,
		Decision:           "approve",
		Reason:             "ok",
		Token:              req.SignedToken,
	}

	first, err := fx.coord.Submit(context.Background(), sub)
	require.NoError(t, err)

	second, err := fx.coord.Submit(context.Background(), sub)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.True(t, second.Idempotent)
	// No second execution, no extra audit entries.
	assert.Equal(t, 1, fx.exec.calls)
	assert.Len(t, fx.auditRepo.decisions(), 2)
}

func TestCoordinator_SelfApprovalRejected(t *testing.T) {
	fx := newFixture(t)
	req := fx.createPending(t)

	// Promote the requester to admin so only the self-approval check trips.
	fx.coord.identities.(*fakeIdentityRepo).identities[requesterID].Role = models.RoleAdmin

	_, err := fx.coord.Submit(context.Background(), &SubmitRequest{
		ApprovalID:         req.ApprovalID,
		ApproverExternalID: requesterID,
		Decision:           "approve",
		Token:              req.SignedToken,
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrSelfApproval, models.KindOf(err))
	assert.Equal(t, 0, fx.exec.calls)
}

func TestCoordinator_NonAdminApproverRejected(t *testing.T) {
	fx := newFixture(t)
	req := fx.createPending(t)

	_, err := fx.coord.Submit(context.Background(), &SubmitRequest{
		ApprovalID:         req.ApprovalID,
		ApproverExternalID: "U-sales",
		Decision:           "approve",
		Token:              req.SignedToken,
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrNotAdmin, models.KindOf(err))
}

func TestCoordinator_WrongTokenRejected(t *testing.T) {
	fx := newFixture(t)
	req := fx.createPending(t)
	other := fx.createPending(t)

	// A structurally valid token for a different approval must not work.
	_, err := fx.coord.Submit(context.Background(), &SubmitRequest{
		ApprovalID:         req.ApprovalID,
		ApproverExternalID: adminID,
		Decision:           "approve",
		Token:              other.SignedToken,
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrTokenInvalid, models.KindOf(err))
}

func TestCoordinator_ApprovalCannotWiden(t *testing.T) {
	fx := newFixture(t)
	req := fx.createPending(t)

	// The bundle tightened while the request was suspended.
	fx.policy.post = &models.DecisionOutput{
		Decision:    models.DecisionDeny,
		Reason:      "raw schema is frozen this week",
		RuleIDs:     []string{"tables.schema_denied"},
		Constraints: map[string]any{},
	}

	outcome, err := fx.coord.Submit(context.Background(), &SubmitRequest{
		ApprovalID:         req.ApprovalID,
		ApproverExternalID: adminID,
		Decision:           "approve",
		Token:              req.SignedToken,
	})
	require.NoError(t, err)

	assert.False(t, outcome.Executed)
	assert.Equal(t, 0, fx.exec.calls)
	assert.Equal(t, []string{"approval.approved", "DENY"}, fx.auditRepo.decisions())
}

func TestCoordinator_SweepExpiresAndAudits(t *testing.T) {
	fx := newFixture(t)
	req := fx.createPending(t)

	// Force the token past expiry.
	fx.approvals.mu.Lock()
	fx.approvals.rows[req.ApprovalID].TokenExpiresAt = time.Now().Add(-time.Minute)
	fx.approvals.mu.Unlock()

	n, err := fx.coord.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"approval.expired"}, fx.auditRepo.decisions())

	stored, err := fx.approvals.Get(context.Background(), req.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, stored.Status)
}
