package orchestrator

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
	"github.com/datawarden/datawarden/internal/policy"
)

// --- fakes ---

type fakeIdentityRepo struct {
	identities map[string]*models.Identity
}

func (f *fakeIdentityRepo) Get(_ context.Context, id string) (*models.Identity, error) {
	return f.identities[id], nil
}

type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	fail    bool
}

func (f *fakeAuditRepo) Append(_ context.Context, e *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
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

func (f *fakeAuditRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeAuditRepo) last() models.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[len(f.entries)-1]
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   int
	queries []string
	result  *models.ToolOutput
	err     error
	block   chan struct{} // when set, Execute waits until closed
}

func (f *fakeExecutor) Execute(_ context.Context, _ *models.ToolCall, _ *models.Identity, _ *models.DecisionOutput, query string) (*models.ToolOutput, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls++
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	return f.result, f.err
}

type fakeApprovals struct {
	created int
}

func (f *fakeApprovals) Create(_ context.Context, call *models.ToolCall, _ *models.Identity, _ *models.DecisionInput, out *models.DecisionOutput) (*models.ApprovalRequest, error) {
	f.created++
	return &models.ApprovalRequest{
		ApprovalID:     uuid.New(),
		RequestID:      call.RequestID,
		Status:         models.ApprovalPending,
		Reason:         out.Reason,
		RuleIDs:        out.RuleIDs,
		TokenExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// --- fixtures ---

type orchFixture struct {
	orch      *Orchestrator
	auditRepo *fakeAuditRepo
	exec      *fakeExecutor
	approvals *fakeApprovals
}

func newFixture(t *testing.T) *orchFixture {
	t.Helper()

	svc, err := policy.NewService(context.Background(), "")
	require.NoError(t, err)

	identities := &fakeIdentityRepo{identities: map[string]*models.Identity{
		"U-intern":  {ExternalUserID: "U-intern", Role: models.RoleIntern},
		"U-sales":   {ExternalUserID: "U-sales", Role: models.RoleSales, Region: models.RegionNA},
		"U-analyst": {ExternalUserID: "U-analyst", Role: models.RoleDataAnalyst},
	}}
	auditRepo := &fakeAuditRepo{}
	exec := &fakeExecutor{result: &models.ToolOutput{
		Result:    &models.SQLResult{Columns: []string{"region"}, Rows: [][]any{{"NA"}}, RowCount: 1},
		RowCount:  1,
		LatencyMs: 2,
	}}
	approvals := &fakeApprovals{}

	orch := New(identities, auditRepo, svc, exec, approvals, audit.NewWriter(auditRepo))
	return &orchFixture{orch: orch, auditRepo: auditRepo, exec: exec, approvals: approvals}
}

func sqlCall(user, query string) *models.ToolCall {
	return &models.ToolCall{
		RequestID:      uuid.New(),
		ExternalUserID: user,
		ToolName:       models.ToolRunSQL,
		Inputs:         map[string]any{"query": query},
	}
}

// --- tests ---

func TestHandleToolCall_DenyIsAuditedAndReturned(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.orch.HandleToolCall(context.Background(), sqlCall("U-intern", "SELECT 1"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusDeny, resp.Status)
	assert.Equal(t, []string{"rbac.tool_denied"}, resp.Decision.RuleIDs)
	assert.Equal(t, 0, fx.exec.calls)

	require.Equal(t, 1, fx.auditRepo.count())
	assert.Equal(t, "DENY", fx.auditRepo.last().Decision)
}

func TestHandleToolCall_AllowExecutesWithRewrittenQuery(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.orch.HandleToolCall(context.Background(),
		sqlCall("U-sales", "SELECT region, mrr FROM reporting.customers WHERE status='active' LIMIT 100"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusAllow, resp.Status)
	assert.Equal(t, "NA", resp.Decision.Constraints[models.ConstraintRegionFilter])
	require.Equal(t, 1, fx.exec.calls)
	assert.Contains(t, fx.exec.queries[0], "region = 'NA'")

	require.Equal(t, 1, fx.auditRepo.count())
	entry := fx.auditRepo.last()
	assert.Equal(t, "ALLOW", entry.Decision)
	require.NotNil(t, entry.RowCount)
	assert.Equal(t, 1, *entry.RowCount)
}

func TestHandleToolCall_RequireApprovalSuspends(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.orch.HandleToolCall(context.Background(),
		sqlCall("U-analyst", "SELECT contact_name FROM raw.customers LIMIT 10"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, resp.Status)
	require.NotNil(t, resp.ApprovalID)
	require.NotNil(t, resp.ExpiresAt)
	assert.Equal(t, 1, fx.approvals.created)
	assert.Equal(t, 0, fx.exec.calls)
	assert.Equal(t, "REQUIRE_APPROVAL", fx.auditRepo.last().Decision)
}

func TestHandleToolCall_ParseErrorDeniesWithAnalyzerRule(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.orch.HandleToolCall(context.Background(),
		sqlCall("U-analyst", "SELECT 1; DROP TABLE reporting.customers"))
	require.NoError(t, err)

	assert.Equal(t, models.StatusDeny, resp.Status)
	assert.Equal(t, []string{"analyzer.parse_error"}, resp.Decision.RuleIDs)
	assert.Equal(t, 1, fx.auditRepo.count())
}

func TestHandleToolCall_UnknownIdentityIsNotAudited(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.HandleToolCall(context.Background(), sqlCall("U-ghost", "SELECT 1"))
	require.Error(t, err)
	assert.Equal(t, models.ErrIdentityUnknown, models.KindOf(err))
	assert.Equal(t, 0, fx.auditRepo.count())
}

func TestHandleToolCall_MalformedEnvelopeRejected(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.HandleToolCall(context.Background(), &models.ToolCall{
		RequestID:      uuid.New(),
		ExternalUserID: "U-analyst",
		ToolName:       "shell_exec",
		Inputs:         map[string]any{},
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrEnvelopeMalformed, models.KindOf(err))
}

func TestHandleToolCall_AuditFailureWithholdsResult(t *testing.T) {
	fx := newFixture(t)
	fx.auditRepo.fail = true

	_, err := fx.orch.HandleToolCall(context.Background(),
		sqlCall("U-sales", "SELECT region FROM reporting.customers LIMIT 5"))
	require.Error(t, err)
	assert.Equal(t, models.ErrAuditWriteFailed, models.KindOf(err))
}

func TestHandleToolCall_DuplicateRequestIDsCollapse(t *testing.T) {
	fx := newFixture(t)
	fx.exec.block = make(chan struct{})

	call := sqlCall("U-sales", "SELECT region FROM reporting.customers LIMIT 5")

	type outcome struct {
		resp *models.InvokeResponse
		err  error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := fx.orch.HandleToolCall(context.Background(), call)
			results <- outcome{resp, err}
		}()
	}

	// Let both goroutines reach the rendezvous, then release the executor.
	time.Sleep(50 * time.Millisecond)
	close(fx.exec.block)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.resp.Status, second.resp.Status)

	// One execution, one audit entry.
	assert.Equal(t, 1, fx.exec.calls)
	assert.Equal(t, 1, fx.auditRepo.count())
}

func TestHandleToolCall_SettledRequestIDServedFromAuditLog(t *testing.T) {
	fx := newFixture(t)

	call := sqlCall("U-intern", "SELECT 1")
	first, err := fx.orch.HandleToolCall(context.Background(), call)
	require.NoError(t, err)

	second, err := fx.orch.HandleToolCall(context.Background(), call)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Decision.RuleIDs, second.Decision.RuleIDs)
	// The replay is served from the log, not re-audited.
	assert.Equal(t, 1, fx.auditRepo.count())
}
