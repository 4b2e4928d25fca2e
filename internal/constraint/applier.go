// Package constraint rewrites tool invocations according to the machine-
// readable constraints the policy engine emitted: region predicates are
// injected into the SQL text, missing LIMITs are capped, and masked columns
// are overwritten with fixed sentinels after execution.
package constraint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/datawarden/datawarden/internal/models"
	"github.com/datawarden/datawarden/internal/schemacat"
)

// validRegion guards the injected literal: regions are short upper-case
// codes, never caller-controlled text.
var validRegion = regexp.MustCompile(`^[A-Z]{2,8}$`)

// DefaultInjectedLimit is appended when a role requires a LIMIT and the
// query lacks one. The policy engine normally denies first; this is the
// executor-side safety net.
const DefaultInjectedLimit = 1000

// ApplySQL rewrites a run_sql query text according to the decision's
// constraints and the analyzer's facts. It returns the rewritten query.
func ApplySQL(query string, analysis QueryFacts, decision *models.DecisionOutput, limitRequired bool) (string, error) {
	rewritten := query

	if region, ok := decision.RegionFilter(); ok && schemacat.HasRegionTable(analysis.Tables) {
		var err error
		rewritten, err = injectRegionPredicate(rewritten, string(region))
		if err != nil {
			return "", err
		}
	}

	if limitRequired && !analysis.HasLimit && analysis.QueryType == "SELECT" {
		rewritten = fmt.Sprintf("%s LIMIT %d", strings.TrimRight(rewritten, " \t\n;"), DefaultInjectedLimit)
	}

	return rewritten, nil
}

// LimitRequired reports whether the role's SELECTs must carry a LIMIT. The
// policy engine normally refuses first; the applier injects a cap as the
// executor-side safety net.
func LimitRequired(role models.Role) bool {
	return role != models.RoleDataAnalyst && role != models.RoleAdmin
}

// QueryFacts is the slice of the analyzer output the applier needs.
type QueryFacts struct {
	QueryType string
	Tables    []models.TableRef
	HasLimit  bool
}

// injectRegionPredicate adds `region = '<region>'` to the statement's WHERE
// clause, creating one when absent. The predicate is placed ahead of any
// GROUP BY / ORDER BY / LIMIT tail so it binds to the row filter.
func injectRegionPredicate(query, region string) (string, error) {
	if !validRegion.MatchString(region) {
		return "", fmt.Errorf("invalid region value %q", region)
	}
	predicate := fmt.Sprintf("region = '%s'", region)

	wherePos, tailPos := clausePositions(query)
	switch {
	case wherePos >= 0:
		// Parenthesize the existing conditions so OR chains cannot escape
		// the region filter.
		whereEnd := wherePos + len("WHERE")
		condEnd := len(query)
		if tailPos >= 0 {
			condEnd = tailPos
		}
		cond := strings.TrimSpace(query[whereEnd:condEnd])
		var b strings.Builder
		b.WriteString(query[:whereEnd])
		b.WriteString(" (")
		b.WriteString(cond)
		b.WriteString(") AND ")
		b.WriteString(predicate)
		if tailPos >= 0 {
			b.WriteString(" ")
			b.WriteString(query[tailPos:])
		}
		return b.String(), nil
	case tailPos >= 0:
		return fmt.Sprintf("%s WHERE %s %s", strings.TrimSpace(query[:tailPos]), predicate, query[tailPos:]), nil
	default:
		return fmt.Sprintf("%s WHERE %s", strings.TrimRight(query, " \t\n;"), predicate), nil
	}
}

// clausePositions finds the byte offsets of the top-level WHERE keyword and
// of the first top-level tail clause (GROUP BY, ORDER BY, HAVING, LIMIT,
// OFFSET). Either may be -1.
func clausePositions(query string) (wherePos, tailPos int) {
	wherePos, tailPos = -1, -1
	depth := 0
	inString := false
	upper := strings.ToUpper(query)
	for i := 0; i < len(upper); i++ {
		c := upper[i]
		if inString {
			if c == '\'' {
				inString = false
			}
			continue
		}
		switch c {
		case '\'':
			inString = true
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth != 0 || !isWordStart(upper, i) {
				continue
			}
			switch {
			case hasWordAt(upper, i, "WHERE"):
				if wherePos < 0 {
					wherePos = i
				}
			case hasWordAt(upper, i, "GROUP"), hasWordAt(upper, i, "ORDER"),
				hasWordAt(upper, i, "HAVING"), hasWordAt(upper, i, "LIMIT"),
				hasWordAt(upper, i, "OFFSET"):
				if tailPos < 0 && (wherePos < 0 || i > wherePos) {
					tailPos = i
				}
			}
		}
	}
	return wherePos, tailPos
}

func isWordStart(s string, i int) bool {
	if i > 0 {
		prev := s[i-1]
		if prev >= 'A' && prev <= 'Z' || prev >= '0' && prev <= '9' || prev == '_' {
			return false
		}
	}
	c := s[i]
	return c >= 'A' && c <= 'Z'
}

func hasWordAt(s string, i int, word string) bool {
	if !strings.HasPrefix(s[i:], word) {
		return false
	}
	end := i + len(word)
	if end < len(s) {
		c := s[end]
		if c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			return false
		}
	}
	return true
}

// maskSentinels are the fixed replacement values for masked output columns.
var maskSentinels = map[string]string{
	"email":          "***@***.***",
	"phone":          "***-***-****",
	"card_last_four": "****",
}

const maskDefault = "***"

// MaskValue returns the sentinel for a masked column.
func MaskValue(column string) string {
	if s, ok := maskSentinels[strings.ToLower(column)]; ok {
		return s
	}
	return maskDefault
}

// MaskResult overwrites every cell of the named columns with the column's
// sentinel. The result is modified in place.
func MaskResult(result *models.SQLResult, maskedColumns []string) {
	if result == nil || len(maskedColumns) == 0 {
		return
	}
	masked := map[int]string{}
	for i, col := range result.Columns {
		for _, m := range maskedColumns {
			if strings.EqualFold(col, m) {
				masked[i] = MaskValue(m)
			}
		}
	}
	if len(masked) == 0 {
		return
	}
	for _, row := range result.Rows {
		for idx, sentinel := range masked {
			if idx < len(row) {
				row[idx] = sentinel
			}
		}
	}
}
