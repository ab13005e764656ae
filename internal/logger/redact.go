package logger

import (
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts API tokens, Bearer tokens and device identifiers from log lines.
type RedactWriter struct {
	w        io.Writer
	patterns []*regexp.Regexp
	repl     []byte
}

var defaultPatterns = []*regexp.Regexp{
	// API token in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(api[_-]?token["'\s:=]+)[^"'\s,}]+`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// Device identifiers, both snake and camel case
	regexp.MustCompile(`(?i)(device_?id["'\s:=]+)[^"'\s,}]+`),
	// Tokens carried in webhook URLs
	regexp.MustCompile(`(?i)([?&](?:access_)?token=)[^&"'\s]+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:        w,
		patterns: defaultPatterns,
		repl:     []byte("${1}[REDACTED]"),
	}
}

// Write masks every pattern match, keeping the key prefix, and forwards the
// result. It reports len(p) on success since the masked line length differs.
func (r *RedactWriter) Write(p []byte) (int, error) {
	out := p
	for _, re := range r.patterns {
		out = re.ReplaceAll(out, r.repl)
	}
	if n, err := r.w.Write(out); err != nil {
		return min(n, len(p)), err
	}
	return len(p), nil
}
