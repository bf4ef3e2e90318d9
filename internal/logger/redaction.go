package logger

import (
	"io"
	"regexp"
)

// Redactor redacts sensitive information from logs. Besides the usual
// credential shapes it also trims inline base64 screenshot payloads,
// which would otherwise dominate the log volume.
type Redactor struct {
	patterns []*regexp.Regexp
	images   *regexp.Regexp
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Provider API keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// VNC/RDP and generic passwords
			regexp.MustCompile(`password["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`vnc_password["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`rdp_password["\s:=]+[^\s",}]+`),

			// Auth tokens and generic secrets
			regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),
			regexp.MustCompile(`secret["\s:=]+[^\s",}]+`),
		},
		// Base64 runs long enough to be image payloads
		images: regexp.MustCompile(`[A-Za-z0-9+/]{512,}={0,2}`),
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return r.images.ReplaceAllString(result, "[IMAGE]")
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	// Report the original length so MultiWriter does not error on
	// short writes after redaction shrinks the payload.
	return len(p), nil
}
