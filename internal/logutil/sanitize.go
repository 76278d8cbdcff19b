package logutil

import "strings"

// maxDiagnosticLen bounds how much child-process output ends up in a single
// log line.
const maxDiagnosticLen = 512

// SanitizeForLog removes newlines and control characters from strings that
// originate outside the process (tunnel names from API callers, ssh stderr)
// so they cannot forge extra log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens s to at most n bytes, marking the cut with "...".
// Values of n <= 0 use the default diagnostic length.
func Truncate(s string, n int) string {
	if n <= 0 {
		n = maxDiagnosticLen
	}
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// Diagnostic prepares captured process output for a single log line.
func Diagnostic(s string) string {
	return Truncate(strings.TrimSpace(SanitizeForLog(s)), 0)
}
