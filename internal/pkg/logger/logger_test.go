package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{" Error ", ERROR},
		{"", INFO},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "input %q", tt.in)
	}
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("jo@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("j@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
	assert.Equal(t, "***@***", RedactEmail("a@b@c"))
}

func TestRedactPIIValue(t *testing.T) {
	// Keys naming emails or contacts are masked outright.
	assert.Equal(t, "jo***@example.com", redactPIIValue("email", "john@example.com"))
	assert.Equal(t, "jo***@example.com", redactPIIValue("contact_email", "john@example.com"))

	// Emails embedded in free-form values are masked in place.
	got := redactPIIValue("error", "duplicate contact john@example.com in batch")
	assert.Equal(t, "duplicate contact jo***@example.com in batch", got)

	// Values without PII pass through untouched.
	assert.Equal(t, "batch 3 of 7", redactPIIValue("detail", "batch 3 of 7"))
}
