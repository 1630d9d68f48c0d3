package archiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactor_RedactsHighConfidencePatterns(t *testing.T) {
	r := NewRedactor(nil)

	in := "PID|1||555-12-3456||DOE^JOHN||jdoe@example.org|4111-1111-1111-1111"
	out := r.Redact(in)

	assert.Contains(t, out, "[REDACTED_SSN]")
	assert.Contains(t, out, "[REDACTED_EMAIL]")
	assert.Contains(t, out, "[REDACTED_CREDIT_CARD]")
	assert.NotContains(t, out, "555-12-3456")
	assert.NotContains(t, out, "jdoe@example.org")
	assert.Contains(t, out, "DOE^JOHN", "non-PII content survives")
}

// IP addresses sit below the redaction threshold: detection-only patterns
// never mutate content.
func TestRedactor_LowConfidenceLeftInPlace(t *testing.T) {
	r := NewRedactor(nil)
	out := r.Redact("client at 10.0.0.1 connected")
	assert.Contains(t, out, "10.0.0.1")
}

func TestRedactor_NilIsNoop(t *testing.T) {
	var r *Redactor
	assert.Equal(t, "anything", r.Redact("anything"))
}
