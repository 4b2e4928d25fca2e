package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawarden/datawarden/internal/models"
)

func regionDecision(region string) *models.DecisionOutput {
	return &models.DecisionOutput{
		Decision:    models.DecisionAllow,
		Constraints: map[string]any{models.ConstraintRegionFilter: region},
	}
}

func TestApplySQL_RegionPredicateWithExistingWhere(t *testing.T) {
	facts := QueryFacts{
		QueryType: "SELECT",
		Tables:    []models.TableRef{{Schema: "reporting", Table: "customers"}},
		HasLimit:  true,
	}
	query := "SELECT region, mrr FROM reporting.customers WHERE status='active' LIMIT 100"

	rewritten, err := ApplySQL(query, facts, regionDecision("NA"), true)
	require.NoError(t, err)

	assert.Contains(t, rewritten, "region = 'NA'")
	// Existing conditions are parenthesized so an OR cannot escape the filter.
	assert.Contains(t, rewritten, "WHERE (status='active') AND region = 'NA'")
	assert.Contains(t, rewritten, "LIMIT 100")
}

func TestApplySQL_RegionPredicateWithoutWhere(t *testing.T) {
	facts := QueryFacts{
		QueryType: "SELECT",
		Tables:    []models.TableRef{{Schema: "reporting", Table: "daily_kpis"}},
		HasLimit:  true,
	}

	rewritten, err := ApplySQL("SELECT day, value FROM reporting.daily_kpis LIMIT 10", facts, regionDecision("EMEA"), true)
	require.NoError(t, err)

	assert.Contains(t, rewritten, "WHERE region = 'EMEA'")
	assert.Contains(t, rewritten, "LIMIT 10")
}

func TestApplySQL_NoRegionTableLeavesQueryAlone(t *testing.T) {
	facts := QueryFacts{
		QueryType: "SELECT",
		Tables:    []models.TableRef{{Schema: "reporting", Table: "orders"}},
		HasLimit:  true,
	}
	query := "SELECT total FROM reporting.orders LIMIT 10"

	rewritten, err := ApplySQL(query, facts, regionDecision("NA"), true)
	require.NoError(t, err)
	assert.Equal(t, query, rewritten)
}

func TestApplySQL_InvalidRegionRejected(t *testing.T) {
	facts := QueryFacts{
		QueryType: "SELECT",
		Tables:    []models.TableRef{{Schema: "reporting", Table: "customers"}},
		HasLimit:  true,
	}

	_, err := ApplySQL("SELECT 1 FROM reporting.customers LIMIT 1", facts, regionDecision("NA' OR '1'='1"), true)
	require.Error(t, err)
}

func TestApplySQL_InjectsLimitWhenMissing(t *testing.T) {
	facts := QueryFacts{QueryType: "SELECT", HasLimit: false}

	rewritten, err := ApplySQL("SELECT id FROM reporting.orders", facts, &models.DecisionOutput{Constraints: map[string]any{}}, true)
	require.NoError(t, err)
	assert.Contains(t, rewritten, "LIMIT 1000")
}

func TestApplySQL_NoLimitInjectionForPrivilegedRoles(t *testing.T) {
	facts := QueryFacts{QueryType: "SELECT", HasLimit: false}
	query := "SELECT id FROM reporting.orders"

	rewritten, err := ApplySQL(query, facts, &models.DecisionOutput{Constraints: map[string]any{}}, false)
	require.NoError(t, err)
	assert.Equal(t, query, rewritten)
}

func TestLimitRequired(t *testing.T) {
	assert.True(t, LimitRequired(models.RoleSales))
	assert.True(t, LimitRequired(models.RoleMarketing))
	assert.True(t, LimitRequired(models.RoleIntern))
	assert.False(t, LimitRequired(models.RoleDataAnalyst))
	assert.False(t, LimitRequired(models.RoleAdmin))
}

func TestMaskValue_Sentinels(t *testing.T) {
	assert.Equal(t, "***@***.***", MaskValue("email"))
	assert.Equal(t, "***-***-****", MaskValue("phone"))
	assert.Equal(t, "****", MaskValue("card_last_four"))
	assert.Equal(t, "***", MaskValue("ssn"))
	assert.Equal(t, "***@***.***", MaskValue("EMAIL"))
}

func TestMaskResult_OverwritesMatchingColumns(t *testing.T) {
	result := &models.SQLResult{
		Columns: []string{"email", "mrr"},
		Rows: [][]any{
			{"alice@example.com", 120.5},
			{"bob@example.com", 75.0},
		},
		RowCount: 2,
	}

	MaskResult(result, []string{"email"})

	for _, row := range result.Rows {
		assert.Equal(t, "***@***.***", row[0])
	}
	assert.Equal(t, 120.5, result.Rows[0][1])
}

func TestMaskResult_NoMaskedColumnsIsNoop(t *testing.T) {
	result := &models.SQLResult{
		Columns:  []string{"region"},
		Rows:     [][]any{{"NA"}},
		RowCount: 1,
	}
	MaskResult(result, nil)
	assert.Equal(t, "NA", result.Rows[0][0])
}
