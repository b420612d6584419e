// Package stringutil provides small string helpers shared across the
// orchestrator.
package stringutil

// TruncateString caps s at maxLen bytes. Strings that already fit are
// returned unchanged; maxLen <= 0 yields the empty string.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Excerpt caps s at maxLen bytes and marks a cut with a trailing ellipsis
// so a stored excerpt is recognizable as truncated. The result never
// exceeds maxLen.
func Excerpt(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	return s[:maxLen-3] + "..."
}
