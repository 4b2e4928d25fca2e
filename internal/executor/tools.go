package executor

import (
	"context"
	"strings"

	"github.com/datawarden/datawarden/internal/models"
)

// defaultSearchK bounds search_docs when the caller omits or inflates k.
const (
	defaultSearchK = 5
	maxSearchK     = 20
)

func (e *Executor) searchDocs(ctx context.Context, call *models.ToolCall, identity *models.Identity) (any, int, error) {
	query, _ := call.Inputs["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, 0, models.E(models.ErrEnvelopeMalformed, "search_docs requires a query")
	}
	k := intInput(call.Inputs, "k", defaultSearchK)
	if k > maxSearchK {
		k = maxSearchK
	}

	chunks, err := e.docs.Search(ctx, query, k, identity.Role)
	if err != nil {
		return nil, 0, wrapDBError("searching documents", err)
	}
	if chunks == nil {
		chunks = []models.DocChunk{}
	}
	return map[string]any{"chunks": chunks}, len(chunks), nil
}

func (e *Executor) explainMetric(ctx context.Context, call *models.ToolCall) (any, error) {
	name, _ := call.Inputs["metric_name"].(string)
	if strings.TrimSpace(name) == "" {
		return nil, models.E(models.ErrEnvelopeMalformed, "explain_metric requires a metric_name")
	}

	metric, err := e.metrics.Get(ctx, name)
	if err != nil {
		return nil, wrapDBError("fetching metric definition", err)
	}
	if metric == nil {
		return nil, models.E(models.ErrEnvelopeMalformed, "unknown metric %q", name)
	}
	return metric, nil
}

// generateChart builds a chart artifact from caller-supplied rows. It is
// pure: no warehouse access, no side effects.
func generateChart(call *models.ToolCall) (any, error) {
	chartType := models.ChartType(stringInput(call.Inputs, "chart_type"))
	switch chartType {
	case models.ChartBar, models.ChartLine, models.ChartPie, models.ChartScatter:
	default:
		return nil, models.E(models.ErrEnvelopeMalformed, "unsupported chart_type %q", chartType)
	}

	columns := stringSliceInput(call.Inputs, "columns")
	if len(columns) == 0 {
		return nil, models.E(models.ErrEnvelopeMalformed, "generate_chart requires columns")
	}

	rawData, _ := call.Inputs["data"].([]any)
	data := make([]map[string]any, 0, len(rawData))
	for _, raw := range rawData {
		row, ok := raw.(map[string]any)
		if !ok {
			return nil, models.E(models.ErrEnvelopeMalformed, "chart data rows must be objects")
		}
		for _, col := range columns {
			if _, ok := row[col]; !ok {
				return nil, models.E(models.ErrEnvelopeMalformed, "chart column %q missing from data", col)
			}
		}
		data = append(data, row)
	}

	return &models.ChartSpec{
		Type:    chartType,
		Title:   stringInput(call.Inputs, "title"),
		Columns: columns,
		Data:    data,
	}, nil
}

func stringInput(inputs map[string]any, key string) string {
	s, _ := inputs[key].(string)
	return s
}

func intInput(inputs map[string]any, key string, fallback int) int {
	switch v := inputs[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}

func stringSliceInput(inputs map[string]any, key string) []string {
	switch v := inputs[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
