package sqlanalyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawarden/datawarden/internal/models"
)

func TestAnalyze_SimpleSelect(t *testing.T) {
	a, err := Analyze("SELECT region, mrr FROM reporting.customers WHERE status='active' LIMIT 100")
	require.NoError(t, err)

	assert.Equal(t, "SELECT", a.QueryType)
	assert.Equal(t, []models.TableRef{{Schema: "reporting", Table: "customers"}}, a.Tables)
	assert.ElementsMatch(t, []string{"region", "mrr", "status"}, a.Columns)
	assert.True(t, a.HasLimit)
	assert.False(t, a.IsAggregate)
}

func TestAnalyze_UnqualifiedTable(t *testing.T) {
	a, err := Analyze("SELECT id FROM customers")
	require.NoError(t, err)

	// Unqualified references keep an empty schema so the policy engine can
	// fail closed on them.
	assert.Equal(t, []models.TableRef{{Schema: "", Table: "customers"}}, a.Tables)
	assert.False(t, a.HasLimit)
}

func TestAnalyze_QualifiedColumnsAndAliases(t *testing.T) {
	a, err := Analyze(`SELECT c.email, c.mrr FROM reporting.customers AS c ORDER BY c.mrr DESC LIMIT 5`)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"email", "mrr"}, a.Columns)
	assert.Equal(t, []models.TableRef{{Schema: "reporting", Table: "customers"}}, a.Tables)
}

func TestAnalyze_Joins(t *testing.T) {
	a, err := Analyze(`
		SELECT o.total, c.region
		FROM reporting.orders o
		JOIN reporting.customers c ON o.customer_id = c.customer_id
		LIMIT 10`)
	require.NoError(t, err)

	assert.ElementsMatch(t, []models.TableRef{
		{Schema: "reporting", Table: "orders"},
		{Schema: "reporting", Table: "customers"},
	}, a.Tables)
	assert.Contains(t, a.Columns, "total")
	assert.Contains(t, a.Columns, "region")
	assert.Contains(t, a.Columns, "customer_id")
}

func TestAnalyze_CommentsStripped(t *testing.T) {
	a, err := Analyze(`-- leading comment
		SELECT email /* inline */ FROM raw.customers LIMIT 1`)
	require.NoError(t, err)

	assert.Equal(t, "SELECT", a.QueryType)
	assert.Equal(t, []models.TableRef{{Schema: "raw", Table: "customers"}}, a.Tables)
	assert.Contains(t, a.Columns, "email")
}

func TestAnalyze_QuotedIdentifiersUnwrapped(t *testing.T) {
	a, err := Analyze(`SELECT "Email" FROM "reporting"."Customers" LIMIT 1`)
	require.NoError(t, err)

	assert.Equal(t, []models.TableRef{{Schema: "reporting", Table: "customers"}}, a.Tables)
	assert.Contains(t, a.Columns, "email")
}

func TestAnalyze_Aggregate(t *testing.T) {
	a, err := Analyze("SELECT COUNT(*), region FROM reporting.customers GROUP BY region")
	require.NoError(t, err)

	assert.True(t, a.IsAggregate)
	assert.False(t, a.HasLimit)
	assert.NotContains(t, a.Columns, "count")
}

func TestAnalyze_LimitInSubqueryIsNotTopLevel(t *testing.T) {
	a, err := Analyze("SELECT id FROM (SELECT id FROM reporting.customers LIMIT 5) sub")
	require.NoError(t, err)

	assert.False(t, a.HasLimit)
}

func TestAnalyze_LimitZeroDoesNotCount(t *testing.T) {
	a, err := Analyze("SELECT id FROM reporting.customers LIMIT 0")
	require.NoError(t, err)

	assert.False(t, a.HasLimit)
}

func TestAnalyze_StatementKinds(t *testing.T) {
	tests := []struct {
		query string
		kind  string
	}{
		{"SELECT 1", "SELECT"},
		{"INSERT INTO reporting.customers (name) VALUES ('x')", "INSERT"},
		{"UPDATE reporting.customers SET status = 'churned'", "UPDATE"},
		{"DELETE FROM reporting.customers WHERE status = 'test'", "DELETE"},
		{"CREATE TABLE reporting.tmp (id TEXT)", "CREATE"},
		{"DROP TABLE reporting.tmp", "DROP"},
		{"ALTER TABLE reporting.tmp ADD COLUMN note TEXT", "ALTER"},
		{"WITH recent AS (SELECT id FROM reporting.orders) SELECT id FROM recent", "SELECT"},
	}

	for _, tc := range tests {
		a, err := Analyze(tc.query)
		require.NoError(t, err, tc.query)
		assert.Equal(t, tc.kind, a.QueryType, tc.query)
	}
}

func TestAnalyze_InsertColumnsAreCandidates(t *testing.T) {
	a, err := Analyze("INSERT INTO raw.customers (email, ssn) VALUES ('a', 'b')")
	require.NoError(t, err)

	assert.Equal(t, "INSERT", a.QueryType)
	assert.Contains(t, a.Columns, "email")
	assert.Contains(t, a.Columns, "ssn")
}

func TestAnalyze_ParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"empty", "   "},
		{"only semicolon", ";"},
		{"multiple statements", "SELECT 1; SELECT 2"},
		{"unknown keyword", "TRUNCATE reporting.customers"},
		{"unterminated string", "SELECT 'oops FROM t"},
		{"unterminated comment", "SELECT 1 /* dangling"},
		{"unbalanced parens", "SELECT (1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Analyze(tc.query)
			require.Error(t, err)
			assert.Equal(t, models.ErrAnalyzerParse, models.KindOf(err))
		})
	}
}

func TestAnalyze_TrailingSemicolonAllowed(t *testing.T) {
	a, err := Analyze("SELECT 1;")
	require.NoError(t, err)
	assert.Equal(t, "SELECT", a.QueryType)
}
