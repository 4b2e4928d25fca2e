// Package executor dispatches policy-approved tool invocations. SQL runs on
// a scoped database session with per-request context variables set, so the
// warehouse's own row-level-security rules act as a second line of defence
// behind the policy engine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datawarden/datawarden/internal/audit"
	"github.com/datawarden/datawarden/internal/constraint"
	"github.com/datawarden/datawarden/internal/models"
	"github.com/datawarden/datawarden/internal/repository"
	"github.com/datawarden/datawarden/internal/repository/postgres"
)

// Config bounds a single invocation.
type Config struct {
	Timeout          time.Duration // per-call wall-clock deadline
	AcquireTimeout   time.Duration // bounded wait for a pooled connection
	RowCap           int           // hard result cap for standard roles
	PrivilegedRowCap int           // cap for data_analyst and admin
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		AcquireTimeout:   5 * time.Second,
		RowCap:           1000,
		PrivilegedRowCap: 10000,
	}
}

// Executor runs the concrete tool handlers.
type Executor struct {
	db      *postgres.DB
	docs    repository.DocRepository
	metrics repository.MetricRepository
	cfg     Config
}

// New creates an executor over the shared connection pool.
func New(db *postgres.DB, docs repository.DocRepository, metrics repository.MetricRepository, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Executor{db: db, docs: docs, metrics: metrics, cfg: cfg}
}

// Execute dispatches one invocation. The query argument is the rewritten
// SQL for run_sql calls and ignored otherwise. Latency covers the handler
// only, not policy evaluation.
func (e *Executor) Execute(ctx context.Context, call *models.ToolCall, identity *models.Identity, decision *models.DecisionOutput, query string) (*models.ToolOutput, error) {
	start := time.Now()
	var result any
	var rowCount int
	var err error

	switch call.ToolName {
	case models.ToolRunSQL:
		var sqlRes *models.SQLResult
		sqlRes, err = e.runSQL(ctx, identity, query)
		if sqlRes != nil {
			constraint.MaskResult(sqlRes, decision.MaskedColumns())
			result = sqlRes
			rowCount = sqlRes.RowCount
		}
	case models.ToolSearchDocs:
		result, rowCount, err = e.searchDocs(ctx, call, identity)
	case models.ToolExplainMetric:
		result, err = e.explainMetric(ctx, call)
	case models.ToolGenerateChart:
		result, err = generateChart(call)
	default:
		err = models.E(models.ErrEnvelopeMalformed, "unknown tool %q", call.ToolName)
	}

	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &models.ToolOutput{LatencyMs: latency}, err
	}
	return &models.ToolOutput{Result: result, RowCount: rowCount, LatencyMs: latency}, nil
}

// rowCap returns the hard result cap for a role.
func (e *Executor) rowCap(role models.Role) int {
	if role == models.RoleDataAnalyst || role == models.RoleAdmin {
		return e.cfg.PrivilegedRowCap
	}
	return e.cfg.RowCap
}

// runSQL executes a rewritten query on a scoped session. The session's
// app.user_role and app.user_region context variables are set before the
// query and reset before the connection returns to the pool, so RLS rules
// keyed on current_setting never see stale values.
func (e *Executor) runSQL(ctx context.Context, identity *models.Identity, query string) (*models.SQLResult, error) {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
	defer cancelAcquire()

	conn, err := e.db.Pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, models.E(models.ErrPoolExhausted, "no database connection available within %s", e.cfg.AcquireTimeout)
		}
		return nil, wrapDBError("acquiring connection", err)
	}
	defer func() {
		// Clear session context before the connection is reused.
		if _, rerr := conn.Exec(context.Background(), "RESET ALL"); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to reset session context")
		}
		conn.Release()
	}()

	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	// Context is set for every session, not only sales: RLS policies that
	// read current_setting(..., true) evaluate NULL as allow when unset.
	if _, err := conn.Exec(queryCtx,
		"SELECT set_config('app.user_role', $1, false), set_config('app.user_region', $2, false)",
		string(identity.Role), string(identity.Region),
	); err != nil {
		return nil, wrapDBError("setting session context", err)
	}

	rows, err := conn.Query(queryCtx, query)
	if err != nil {
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			return nil, models.E(models.ErrExecutorTimeout, "query exceeded %s deadline", e.cfg.Timeout)
		}
		return nil, wrapDBError("executing query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	limit := e.rowCap(identity.Role)
	result := &models.SQLResult{Columns: columns}
	for rows.Next() {
		if result.RowCount >= limit {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, wrapDBError("reading row", err)
		}
		result.Rows = append(result.Rows, values)
		result.RowCount++
	}
	if err := rows.Err(); err != nil && !result.Truncated {
		if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			return nil, models.E(models.ErrExecutorTimeout, "query exceeded %s deadline", e.cfg.Timeout)
		}
		return nil, wrapDBError("iterating rows", err)
	}
	return result, nil
}

// wrapDBError surfaces a database failure with identifier fragments that
// could carry PII scrubbed from the message.
func wrapDBError(op string, err error) error {
	msg := audit.RedactString(err.Error())
	return models.E(models.ErrExecutorDB, "%s: %s", op, msg)
}

// Health reports database reachability for readiness checks.
func (e *Executor) Health(ctx context.Context) error {
	if e.db == nil {
		return fmt.Errorf("executor has no database")
	}
	return e.db.Health(ctx)
}
