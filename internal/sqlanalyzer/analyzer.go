// Package sqlanalyzer extracts the structural facts the policy engine needs
// from a SQL string: query kind, referenced (schema, table) pairs, candidate
// column names, and whether a top-level LIMIT is present.
//
// The analyzer recognizes only the statement subset the tool catalogue
// permits. Column extraction deliberately over-approximates: every bare
// identifier that is not a keyword, a function name, or a table reference is
// treated as a candidate column. More candidates can only make the column
// policy stricter.
package sqlanalyzer

import (
	"strconv"
	"strings"

	"github.com/datawarden/datawarden/internal/models"
)

// Analysis is the structural fact record for a single SQL statement.
type Analysis struct {
	QueryType   string
	Tables      []models.TableRef
	Columns     []string
	HasLimit    bool
	IsAggregate bool
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string // identifiers are stored unquoted, as written
	upper string
	depth int // paren nesting depth at the token position
}

var statementKeywords = map[string]string{
	"SELECT": "SELECT",
	"INSERT": "INSERT",
	"UPDATE": "UPDATE",
	"DELETE": "DELETE",
	"CREATE": "CREATE",
	"DROP":   "DROP",
	"ALTER":  "ALTER",
}

var aggregateFuncs = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
}

// sqlKeywords are identifiers never treated as column candidates.
var sqlKeywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true,
	"NOT": true, "IN": true, "IS": true, "NULL": true, "AS": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"OUTER": true, "CROSS": true, "ON": true, "USING": true,
	"GROUP": true, "BY": true, "ORDER": true, "HAVING": true, "LIMIT": true,
	"OFFSET": true, "ASC": true, "DESC": true, "DISTINCT": true, "ALL": true,
	"UNION": true, "EXCEPT": true, "INTERSECT": true,
	"INSERT": true, "INTO": true, "VALUES": true, "UPDATE": true, "SET": true,
	"DELETE": true, "CREATE": true, "DROP": true, "ALTER": true, "TABLE": true,
	"VIEW": true, "INDEX": true, "IF": true, "EXISTS": true, "CASCADE": true,
	"BETWEEN": true, "LIKE": true, "ILIKE": true, "CASE": true, "WHEN": true,
	"THEN": true, "ELSE": true, "END": true, "TRUE": true, "FALSE": true,
	"WITH": true, "RECURSIVE": true, "RETURNING": true,
	"PRIMARY": true, "KEY": true, "FOREIGN": true, "REFERENCES": true,
	"DEFAULT": true, "UNIQUE": true, "CONSTRAINT": true, "CHECK": true,
	"ADD": true, "COLUMN": true, "RENAME": true, "TO": true,
	"INTERVAL": true, "CAST": true, "NULLS": true, "FIRST": true, "LAST": true,
}

// Analyze parses a SQL string into its structural fact record. It returns a
// models.Error of kind analyzer.parse_error when the input cannot be
// tokenized or does not form a single recognized statement.
func Analyze(query string) (*Analysis, error) {
	toks, err := lex(query)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, models.E(models.ErrAnalyzerParse, "empty statement")
	}
	toks, err = trimStatement(toks)
	if err != nil {
		return nil, err
	}

	qtype, err := statementType(toks)
	if err != nil {
		return nil, err
	}

	a := &Analysis{QueryType: qtype}
	tableIdents := map[string]bool{} // table names, schema names, and aliases
	a.Tables = extractTables(toks, tableIdents)
	a.Columns = extractColumns(toks, tableIdents)
	a.HasLimit = hasTopLevelLimit(toks)
	a.IsAggregate = hasAggregateCall(toks)
	return a, nil
}

func lex(query string) ([]token, error) {
	var toks []token
	depth := 0
	i := 0
	n := len(query)
	for i < n {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && query[i+1] == '-':
			for i < n && query[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return nil, models.E(models.ErrAnalyzerParse, "unterminated block comment")
			}
			i += end + 4
		case c == '\'':
			j := i + 1
			for {
				if j >= n {
					return nil, models.E(models.ErrAnalyzerParse, "unterminated string literal")
				}
				if query[j] == '\'' {
					if j+1 < n && query[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			toks = append(toks, token{kind: tokString, text: query[i+1 : j], depth: depth})
			i = j + 1
		case c == '"':
			j := i + 1
			for j < n && query[j] != '"' {
				j++
			}
			if j >= n {
				return nil, models.E(models.ErrAnalyzerParse, "unterminated quoted identifier")
			}
			ident := query[i+1 : j]
			toks = append(toks, token{kind: tokIdent, text: ident, upper: strings.ToUpper(ident), depth: depth})
			i = j + 1
		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(query[j]) {
				j++
			}
			ident := query[i:j]
			toks = append(toks, token{kind: tokIdent, text: ident, upper: strings.ToUpper(ident), depth: depth})
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < n && (query[j] >= '0' && query[j] <= '9' || query[j] == '.' || query[j] == 'e' || query[j] == 'E') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: query[i:j], depth: depth})
			i = j
		case c == '(':
			toks = append(toks, token{kind: tokPunct, text: "(", depth: depth})
			depth++
			i++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, models.E(models.ErrAnalyzerParse, "unbalanced parentheses")
			}
			toks = append(toks, token{kind: tokPunct, text: ")", depth: depth})
			i++
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c), depth: depth})
			i++
		}
	}
	if depth != 0 {
		return nil, models.E(models.ErrAnalyzerParse, "unbalanced parentheses")
	}
	return toks, nil
}

// trimStatement strips a trailing semicolon and rejects multiple statements.
func trimStatement(toks []token) ([]token, error) {
	for idx, t := range toks {
		if t.kind == tokPunct && t.text == ";" {
			if idx != len(toks)-1 {
				return nil, models.E(models.ErrAnalyzerParse, "multiple statements are not permitted")
			}
			toks = toks[:idx]
		}
	}
	if len(toks) == 0 {
		return nil, models.E(models.ErrAnalyzerParse, "empty statement")
	}
	return toks, nil
}

func statementType(toks []token) (string, error) {
	first := toks[0]
	if first.kind != tokIdent {
		return "", models.E(models.ErrAnalyzerParse, "statement must begin with a keyword")
	}
	if first.upper == "WITH" {
		// The final top-level statement of a CTE chain determines the kind.
		for _, t := range toks[1:] {
			if t.kind == tokIdent && t.depth == 0 {
				if kind, ok := statementKeywords[t.upper]; ok {
					return kind, nil
				}
			}
		}
		return "", models.E(models.ErrAnalyzerParse, "WITH clause without a top-level statement")
	}
	if kind, ok := statementKeywords[first.upper]; ok {
		return kind, nil
	}
	return "", models.E(models.ErrAnalyzerParse, "unrecognized statement keyword %q", first.text)
}

// extractTables collects (schema, table) pairs referenced after FROM, JOIN,
// INTO, UPDATE, and TABLE markers at any depth. Identifiers that participate
// in a table reference (schema, table, alias) are recorded in seen so column
// extraction can skip them.
func extractTables(toks []token, seen map[string]bool) []models.TableRef {
	var refs []models.TableRef
	add := func(r models.TableRef) {
		for _, existing := range refs {
			if existing == r {
				return
			}
		}
		refs = append(refs, r)
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokIdent {
			continue
		}
		marker := t.upper == "FROM" || t.upper == "JOIN" || t.upper == "INTO" || t.upper == "TABLE"
		if t.upper == "UPDATE" && i == 0 {
			marker = true
		}
		if !marker {
			continue
		}
		// FROM may introduce a comma-separated list.
		j := i + 1
		for j < len(toks) {
			var ref models.TableRef
			var consumed int
			ref, consumed = parseTableRef(toks, j)
			if consumed == 0 {
				break
			}
			add(ref)
			seen[strings.ToLower(ref.Table)] = true
			if ref.Schema != "" {
				seen[strings.ToLower(ref.Schema)] = true
			}
			j += consumed
			// Optional alias (with or without AS).
			if j < len(toks) && toks[j].kind == tokIdent && toks[j].upper == "AS" {
				j++
			}
			if j < len(toks) && toks[j].kind == tokIdent && !sqlKeywords[toks[j].upper] {
				seen[strings.ToLower(toks[j].text)] = true
				j++
			}
			if t.upper != "FROM" || j >= len(toks) || toks[j].text != "," {
				break
			}
			j++ // consume comma, continue the FROM list
		}
	}
	return refs
}

// parseTableRef reads an optionally schema-qualified table reference starting
// at position i. Returns the ref and the number of tokens consumed; consumed
// is zero when no table reference starts at i (e.g. a subquery or function).
func parseTableRef(toks []token, i int) (models.TableRef, int) {
	if i >= len(toks) || toks[i].kind != tokIdent || sqlKeywords[toks[i].upper] {
		return models.TableRef{}, 0
	}
	// A following "(" means a function call, not a table.
	if i+1 < len(toks) && toks[i+1].text == "(" {
		return models.TableRef{}, 0
	}
	if i+2 < len(toks) && toks[i+1].text == "." && toks[i+2].kind == tokIdent {
		return models.TableRef{
			Schema: strings.ToLower(toks[i].text),
			Table:  strings.ToLower(toks[i+2].text),
		}, 3
	}
	return models.TableRef{Table: strings.ToLower(toks[i].text)}, 1
}

// extractColumns returns every identifier that could name a column: not a
// keyword, not a function name, and not part of a table reference. For
// qualified references like t.col only the final segment is kept.
func extractColumns(toks []token, tableIdents map[string]bool) []string {
	seen := map[string]bool{}
	var cols []string
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokIdent || sqlKeywords[t.upper] {
			continue
		}
		// Function name.
		if i+1 < len(toks) && toks[i+1].text == "(" {
			continue
		}
		// Qualifier segment of a dotted reference; the final segment is taken
		// on its own iteration.
		if i+1 < len(toks) && toks[i+1].text == "." {
			continue
		}
		name := strings.ToLower(t.text)
		if tableIdents[name] || seen[name] {
			continue
		}
		seen[name] = true
		cols = append(cols, name)
	}
	return cols
}

func hasTopLevelLimit(toks []token) bool {
	for i, t := range toks {
		if t.kind == tokIdent && t.upper == "LIMIT" && t.depth == 0 {
			if i+1 < len(toks) && toks[i+1].kind == tokNumber {
				if v, err := strconv.Atoi(toks[i+1].text); err == nil && v > 0 {
					return true
				}
			}
		}
	}
	return false
}

func hasAggregateCall(toks []token) bool {
	for i, t := range toks {
		if t.kind == tokIdent && t.depth == 0 && aggregateFuncs[t.upper] {
			if i+1 < len(toks) && toks[i+1].text == "(" {
				return true
			}
		}
	}
	return false
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9' || c == '$'
}
