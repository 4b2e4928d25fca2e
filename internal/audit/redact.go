// Package audit persists the immutable system-of-record log. Redaction runs
// before persistence: no PII string that the detector recognizes ever
// reaches the audit table verbatim.
package audit

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/datawarden/datawarden/internal/models"
)

// Redacted is the fixed token substituted for detected sensitive values.
const Redacted = "[REDACTED]"

// piiFieldNames mirrors the column policy's PII set; any field whose name
// case-insensitively matches is dropped wholesale.
var piiFieldNames = map[string]bool{
	"email": true, "phone": true, "address": true,
	"address_line1": true, "address_line2": true, "contact_name": true,
	"card_last_four": true, "ssn": true, "tax_id": true,
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+?\d{1,3}[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`)
)

// RedactString replaces any email, phone, or 16-digit card substring.
func RedactString(s string) string {
	s = emailPattern.ReplaceAllString(s, Redacted)
	s = cardPattern.ReplaceAllString(s, Redacted)
	s = phonePattern.ReplaceAllString(s, Redacted)
	return s
}

// RedactInputs redacts a tool-call input map. For run_sql the query text is
// preserved verbatim — the query itself is the audit evidence — while every
// other field is traversed normally.
func RedactInputs(tool models.ToolName, inputs map[string]any) map[string]any {
	if inputs == nil {
		return nil
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if tool == models.ToolRunSQL && strings.EqualFold(k, "query") {
			out[k] = v
			continue
		}
		out[k] = redactValue(k, v)
	}
	return out
}

// RedactOutputs redacts a tool-result map. Tool results are typed structs
// (SQLResult, DocChunk slices, chart specs), so the map is normalized to
// generic JSON first — the traversal must see into every row cell, not stop
// at an opaque struct pointer.
func RedactOutputs(outputs map[string]any) map[string]any {
	if outputs == nil {
		return nil
	}
	normalized := normalize(outputs)
	out := make(map[string]any, len(normalized))
	for k, v := range normalized {
		out[k] = redactValue(k, v)
	}
	return out
}

// normalize round-trips a value map through JSON so typed payloads become
// plain maps, slices, and strings. A value that cannot be serialized is
// dropped wholesale rather than stored unredacted.
func normalize(m map[string]any) map[string]any {
	buf, err := json.Marshal(m)
	if err != nil {
		return map[string]any{"unserializable": Redacted}
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		return map[string]any{"unserializable": Redacted}
	}
	return out
}

func redactValue(field string, v any) any {
	if piiFieldNames[strings.ToLower(field)] {
		return Redacted
	}
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = redactValue(k, inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue("", inner)
		}
		return out
	default:
		return v
	}
}
