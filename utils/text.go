package utils

// TruncateText shortens s to at most n bytes.
func TruncateText(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
