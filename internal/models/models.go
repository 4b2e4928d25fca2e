// Package models defines the core data structures for DataWarden.
package models

import (
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// Role is a server-side authoritative role assigned to an identity.
type Role string

const (
	RoleIntern      Role = "intern"
	RoleMarketing   Role = "marketing"
	RoleSales       Role = "sales"
	RoleDataAnalyst Role = "data_analyst"
	RoleAdmin       Role = "admin"
)

// Region is a sales territory. Empty means no region is assigned.
type Region string

const (
	RegionNA    Region = "NA"
	RegionEMEA  Region = "EMEA"
	RegionAPAC  Region = "APAC"
	RegionLATAM Region = "LATAM"
)

// Identity is the server-side authoritative record for a caller. Role and
// region are keyed by the opaque external user ID and are never taken from
// the tool-call envelope. Sales identities must carry a region.
type Identity struct {
	ExternalUserID string    `json:"external_user_id" db:"external_user_id"`
	DisplayName    string    `json:"display_name" db:"display_name"`
	Role           Role      `json:"role" db:"role"`
	Region         Region    `json:"region" db:"region"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// -----------------------------------------------------------------------------
// Tool calls
// -----------------------------------------------------------------------------

// ToolName identifies a tool in the fixed catalogue.
type ToolName string

const (
	ToolRunSQL        ToolName = "run_sql"
	ToolSearchDocs    ToolName = "search_docs"
	ToolExplainMetric ToolName = "explain_metric"
	ToolGenerateChart ToolName = "generate_chart"
)

// ToolCall is the envelope a client submits to invoke a tool. RequestID is a
// client-generated idempotency key.
type ToolCall struct {
	RequestID      uuid.UUID      `json:"request_id"`
	ExternalUserID string         `json:"external_user_id"`
	ToolName       ToolName       `json:"tool_name"`
	Inputs         map[string]any `json:"inputs"`
}

// -----------------------------------------------------------------------------
// Policy decision types
// -----------------------------------------------------------------------------

// TableRef is a referenced (schema, table) pair. An empty schema means the
// reference was unqualified; the policy bundle treats that as outside every
// role's allow-set.
type TableRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// String returns the dotted form of the reference.
func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

// DecisionInput is the normalized, side-effect-free description of a tool
// call handed to the policy engine. The engine is referentially transparent
// over it.
type DecisionInput struct {
	Role        Role       `json:"role"`
	Region      Region     `json:"region"`
	Tool        ToolName   `json:"tool"`
	Tables      []TableRef `json:"tables"`
	Columns     []string   `json:"columns"`
	QueryType   string     `json:"query_type"`
	HasLimit    bool       `json:"has_limit"`
	IsAggregate bool       `json:"is_aggregate"`
	RowCount    int        `json:"row_count"`
}

// DecisionKind is the aggregate verdict of a policy evaluation.
type DecisionKind string

const (
	DecisionAllow           DecisionKind = "ALLOW"
	DecisionDeny            DecisionKind = "DENY"
	DecisionRequireApproval DecisionKind = "REQUIRE_APPROVAL"
)

// Constraint keys emitted by the policy bundle.
const (
	ConstraintRegionFilter  = "region_filter"
	ConstraintMaskedColumns = "masked_columns"
	ConstraintApprovalType  = "approval_type"
)

// DecisionOutput is the aggregate result of evaluating all policy layers.
// RuleIDs is non-empty whenever the decision is not a plain ALLOW or any
// non-trivial layer matched; Constraints is empty iff no rewrite is needed.
type DecisionOutput struct {
	Decision    DecisionKind   `json:"decision"`
	Reason      string         `json:"reason"`
	RuleIDs     []string       `json:"rule_ids"`
	Constraints map[string]any `json:"constraints"`
}

// MaskedColumns returns the masked_columns constraint as a string slice.
func (d *DecisionOutput) MaskedColumns() []string {
	raw, ok := d.Constraints[ConstraintMaskedColumns]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		cols := make([]string, 0, len(v))
		for _, c := range v {
			if s, ok := c.(string); ok {
				cols = append(cols, s)
			}
		}
		return cols
	}
	return nil
}

// RegionFilter returns the region_filter constraint, if present.
func (d *DecisionOutput) RegionFilter() (Region, bool) {
	raw, ok := d.Constraints[ConstraintRegionFilter]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", false
	}
	return Region(s), true
}

// -----------------------------------------------------------------------------
// Approvals
// -----------------------------------------------------------------------------

// ApprovalStatus is the lifecycle state of an approval request. Terminal
// states are final.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// FrozenRequest captures the original tool call and its decision input at
// suspension time. Post-approval re-evaluation runs against this snapshot,
// never against the caller's current state.
type FrozenRequest struct {
	Inputs        map[string]any `json:"inputs"`
	DecisionInput DecisionInput  `json:"decision_input"`
}

// ApprovalRequest is a suspended tool call awaiting a second-party decision.
// The signed token is single-use and bound to (approval_id, approver role).
type ApprovalRequest struct {
	ApprovalID         uuid.UUID      `json:"approval_id" db:"approval_id"`
	RequestID          uuid.UUID      `json:"request_id" db:"request_id"`
	ExternalUserID     string         `json:"external_user_id" db:"external_user_id"`
	Role               Role           `json:"role" db:"role"`
	ToolName           ToolName       `json:"tool_name" db:"tool_name"`
	Frozen             FrozenRequest  `json:"frozen_inputs" db:"frozen_inputs"`
	Reason             string         `json:"reason" db:"reason"`
	RuleIDs            []string       `json:"rule_ids" db:"rule_ids"`
	Status             ApprovalStatus `json:"status" db:"status"`
	ApproverExternalID string         `json:"approver_external_id,omitempty" db:"approver_external_id"`
	ApproverDecision   string         `json:"approver_decision,omitempty" db:"approver_decision"`
	ApproverReason     string         `json:"approver_reason,omitempty" db:"approver_reason"`
	SignedToken        string         `json:"-" db:"signed_token"`
	TokenExpiresAt     time.Time      `json:"token_expires_at" db:"token_expires_at"`
	CreatedAt          time.Time      `json:"created_at" db:"created_at"`
	DecidedAt          *time.Time     `json:"decided_at,omitempty" db:"decided_at"`
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditEntry is the immutable system-of-record row for one terminal outcome
// of an invocation. Inputs and outputs are stored post-redaction; the write
// happens before the caller sees the response.
type AuditEntry struct {
	LogID           uuid.UUID      `json:"log_id" db:"log_id"`
	RequestID       uuid.UUID      `json:"request_id" db:"request_id"`
	ExternalUserID  string         `json:"external_user_id" db:"external_user_id"`
	Role            Role           `json:"role" db:"role"`
	ToolName        ToolName       `json:"tool_name" db:"tool_name"`
	InputsRedacted  map[string]any `json:"inputs_redacted" db:"inputs_redacted"`
	OutputsRedacted map[string]any `json:"outputs_redacted" db:"outputs_redacted"`
	Decision        string         `json:"decision" db:"decision"`
	RuleIDs         []string       `json:"rule_ids" db:"rule_ids"`
	Constraints     map[string]any `json:"constraints" db:"constraints"`
	LatencyMs       int64          `json:"latency_ms" db:"latency_ms"`
	RowCount        *int           `json:"row_count,omitempty" db:"row_count"`
	Error           string         `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// -----------------------------------------------------------------------------
// Tool results
// -----------------------------------------------------------------------------

// SQLResult is the outcome of a run_sql invocation.
type SQLResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// DocChunk is a document fragment returned by search_docs.
type DocChunk struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"document_id"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	ACLTags    []string `json:"acl_tags"`
	Score      float64  `json:"score"`
}

// MetricDefinition is the record returned by explain_metric.
type MetricDefinition struct {
	Name          string    `json:"name" db:"name"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	Definition    string    `json:"definition" db:"definition"`
	SQLExpression string    `json:"sql_expression" db:"sql_expression"`
	OwnerTeam     string    `json:"owner_team" db:"owner_team"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ChartType enumerates renderable chart kinds.
type ChartType string

const (
	ChartBar     ChartType = "bar"
	ChartLine    ChartType = "line"
	ChartPie     ChartType = "pie"
	ChartScatter ChartType = "scatter"
)

// ChartSpec is the artifact produced by generate_chart. It is pure data —
// the chart tool performs no warehouse access.
type ChartSpec struct {
	Type    ChartType        `json:"type"`
	Title   string           `json:"title,omitempty"`
	Columns []string         `json:"columns"`
	Data    []map[string]any `json:"data"`
}

// ToolOutput is the executor's result for a single invocation.
type ToolOutput struct {
	Result    any   `json:"result"`
	RowCount  int   `json:"row_count"`
	LatencyMs int64 `json:"latency_ms"`
}

// -----------------------------------------------------------------------------
// HTTP responses
// -----------------------------------------------------------------------------

// ResponseStatus is the business outcome reported to the client.
type ResponseStatus string

const (
	StatusAllow   ResponseStatus = "allow"
	StatusDeny    ResponseStatus = "deny"
	StatusPending ResponseStatus = "pending"
)

// DecisionSummary is the client-visible slice of a policy decision.
type DecisionSummary struct {
	Reason      string         `json:"reason"`
	RuleIDs     []string       `json:"rule_ids"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// InvokeResponse is returned by the tool-call endpoint. A DENY is a business
// outcome, not a transport error.
type InvokeResponse struct {
	Status     ResponseStatus  `json:"status"`
	RequestID  uuid.UUID       `json:"request_id"`
	Decision   DecisionSummary `json:"decision"`
	Result     any             `json:"result,omitempty"`
	ApprovalID *uuid.UUID      `json:"approval_id,omitempty"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}
