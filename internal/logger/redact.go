package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts the bot token, webhook URLs, and Authorization headers from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Bot token in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(discord_token["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(bot[_-]?token["'\s:=]+)\S+`),
	// Authorization headers: "Bot <token>" and Bearer tokens
	regexp.MustCompile(`(?i)(Authorization["'\s:=]+Bot\s+)[A-Za-z0-9\-_\.]+`),
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// Webhook URLs carry an embedded secret in the path
	regexp.MustCompile(`(?i)(webhook[_-]?url["'\s:=]+)\S+`),
	regexp.MustCompile(`(https?://[^\s"']*/webhooks/)[0-9]+/[A-Za-z0-9\-_]+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(re, r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Return original length so callers don't get short-write errors
	// even if redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// appendRedacted builds a replacement []byte that keeps capture group $1 + redactWith.
func appendRedacted(re *regexp.Regexp, redact string) []byte {
	// All our patterns have exactly one capture group for the key/prefix.
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	return buf.Bytes()
}
