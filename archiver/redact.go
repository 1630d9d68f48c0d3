package archiver

import (
	"regexp"
	"strings"
)

// PIIPattern is one detector the optional pre-archive redaction pass runs
// over raw message content before it is written to disk. Only matches at or
// above the confidence threshold are redacted.
type PIIPattern struct {
	Type       string
	Pattern    *regexp.Regexp
	Confidence float64
}

// DefaultPIIPatterns covers the identifier shapes most likely to appear in
// healthcare message payloads.
var DefaultPIIPatterns = []PIIPattern{
	{Type: "email", Pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`), Confidence: 0.95},
	{Type: "phone", Pattern: regexp.MustCompile(`\b(\+\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), Confidence: 0.85},
	{Type: "ssn", Pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), Confidence: 0.95},
	{Type: "credit_card", Pattern: regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), Confidence: 0.90},
	{Type: "ip_address", Pattern: regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), Confidence: 0.80},
}

// redactThreshold: matches below this confidence are left in place rather
// than risking corruption of legitimate content (dates, ids).
const redactThreshold = 0.85

// Redactor applies PII patterns to archive content. A nil *Redactor is a
// no-op, so the writer can hold one unconditionally.
type Redactor struct {
	patterns []PIIPattern
}

func NewRedactor(patterns []PIIPattern) *Redactor {
	if patterns == nil {
		patterns = DefaultPIIPatterns
	}
	return &Redactor{patterns: patterns}
}

// Redact replaces every high-confidence PII match in data with a
// [REDACTED_<TYPE>] marker.
func (r *Redactor) Redact(data string) string {
	if r == nil || data == "" {
		return data
	}
	out := data
	for _, p := range r.patterns {
		if p.Confidence < redactThreshold {
			continue
		}
		out = p.Pattern.ReplaceAllString(out, "[REDACTED_"+strings.ToUpper(p.Type)+"]")
	}
	return out
}
