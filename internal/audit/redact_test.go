package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datawarden/datawarden/internal/models"
)

func TestRedactString_Email(t *testing.T) {
	out := RedactString("contact alice@example.com for details")
	assert.NotContains(t, out, "alice@example.com")
	assert.Contains(t, out, Redacted)
}

func TestRedactString_Phone(t *testing.T) {
	out := RedactString("call 555-123-4567 today")
	assert.NotContains(t, out, "555-123-4567")
}

func TestRedactString_CardNumber(t *testing.T) {
	out := RedactString("card 4111 1111 1111 1111 on file")
	assert.NotContains(t, out, "4111 1111 1111 1111")
}

func TestRedactString_PlainTextUntouched(t *testing.T) {
	in := "monthly recurring revenue by region"
	assert.Equal(t, in, RedactString(in))
}

func TestRedactInputs_PreservesSQLQueryVerbatim(t *testing.T) {
	inputs := map[string]any{
		"query": "SELECT email FROM reporting.customers WHERE email = 'bob@example.com' LIMIT 5",
	}

	out := RedactInputs(models.ToolRunSQL, inputs)

	// The query string is the audit evidence and stays verbatim.
	assert.Equal(t, inputs["query"], out["query"])
}

func TestRedactInputs_RedactsNonQueryFields(t *testing.T) {
	inputs := map[string]any{
		"query":  "find the onboarding guide",
		"filter": "owner bob@example.com",
	}

	out := RedactInputs(models.ToolSearchDocs, inputs)

	assert.NotContains(t, out["query"], "bob@example.com")
	assert.NotContains(t, out["filter"], "bob@example.com")
}

func TestRedactOutputs_PIIFieldNames(t *testing.T) {
	outputs := map[string]any{
		"email":        "carol@example.com",
		"Phone":        "555-987-6543",
		"contact_name": "Carol Jones",
		"mrr":          99.0,
	}

	out := RedactOutputs(outputs)

	assert.Equal(t, Redacted, out["email"])
	assert.Equal(t, Redacted, out["Phone"])
	assert.Equal(t, Redacted, out["contact_name"])
	assert.Equal(t, 99.0, out["mrr"])
}

func TestRedactOutputs_TypedSQLResultRowsAreRedacted(t *testing.T) {
	// The executor stores results as typed structs; redaction must see into
	// the row cells, not stop at the struct pointer.
	outputs := map[string]any{
		"result": &models.SQLResult{
			Columns: []string{"contact_name", "email", "region"},
			Rows: [][]any{
				{"Dave Smith", "dave@example.com", "NA"},
				{"Eve Jones", "eve@example.com", "EMEA"},
			},
			RowCount: 2,
		},
		"row_count": 2,
	}

	out := RedactOutputs(outputs)

	result := out["result"].(map[string]any)
	rows := result["rows"].([]any)
	for _, raw := range rows {
		row := raw.([]any)
		for _, cell := range row {
			if s, ok := cell.(string); ok {
				assert.NotContains(t, s, "@example.com")
			}
		}
	}
	assert.Equal(t, float64(2), result["row_count"])
}

func TestRedactOutputs_TypedDocChunks(t *testing.T) {
	outputs := map[string]any{
		"result": map[string]any{"chunks": []models.DocChunk{
			{ID: "c1", Content: "escalate to frank@example.com for billing issues"},
		}},
	}

	out := RedactOutputs(outputs)

	result := out["result"].(map[string]any)
	chunks := result["chunks"].([]any)
	first := chunks[0].(map[string]any)
	assert.NotContains(t, first["content"], "frank@example.com")
}

func TestRedactOutputs_NilMap(t *testing.T) {
	assert.Nil(t, RedactOutputs(nil))
}
