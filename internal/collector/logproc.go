package collector

import (
	"fmt"
	"strings"
)

// Markers injected into processed logs so nothing is ever dropped
// silently.
const (
	truncationMarker = "... [LOG TRUNCATED DUE TO SIZE] ..."
	gapMarker        = "... [CONTEXT GAP] ..."
)

// errorPatterns are the substrings that flag a log line as an error
// indicator worth keeping context around.
var errorPatterns = []string{
	"error:", "Error:", "ERROR:",
	"FAILED:", "failed:",
	"exception:", "Exception:", "EXCEPTION:",
	"fatal:", "Fatal:", "FATAL:",
	"build failed", "Build failed", "BUILD FAILED",
	"test failed", "Test failed", "TEST FAILED",
	"compilation failed", "Compilation failed",
	"exit code", "Exit code", "exit status",
}

// ProcessLog bounds a raw job log to maxBytes and, for failed jobs,
// narrows it to context windows around recognized error markers.
// Errors cluster near the end of CI logs, so truncation always keeps
// the tail, and every cut is marked in the output. Returns the
// processed content and whether anything was removed.
func ProcessLog(content string, maxBytes, contextLines int, jobStatus string) (string, bool) {
	truncated := false

	if maxBytes > 0 && len(content) > maxBytes {
		content = tailOnRune(content, maxBytes)
		content = truncationMarker + "\n" + content
		truncated = true
	}

	if contextLines > 0 && content != "" && (jobStatus == "failed" || jobStatus == "canceled") {
		narrowed, cut := extractErrorContext(content, contextLines)
		content = narrowed
		truncated = truncated || cut
	}

	return content, truncated
}

// tailOnRune keeps the last max bytes of s without splitting a UTF-8
// sequence, and drops the leading partial line so the output starts at
// a line boundary.
func tailOnRune(s string, max int) string {
	cut := len(s) - max
	for cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut++
	}
	s = s[cut:]
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && nl+1 < len(s) {
		s = s[nl+1:]
	}
	return s
}

// extractErrorContext keeps contextLines lines around each error
// indicator, joining adjacent windows and marking gaps. When no
// indicator is found it falls back to the last 2*contextLines lines.
func extractErrorContext(content string, contextLines int) (string, bool) {
	lines := strings.Split(content, "\n")

	var errorIdx []int
	for i, line := range lines {
		for _, pattern := range errorPatterns {
			if strings.Contains(line, pattern) {
				errorIdx = append(errorIdx, i)
				break
			}
		}
	}

	if len(errorIdx) == 0 {
		keep := 2 * contextLines
		if len(lines) <= keep {
			return content, false
		}
		return strings.Join(lines[len(lines)-keep:], "\n"), true
	}

	keep := make(map[int]bool)
	for _, idx := range errorIdx {
		start := idx - contextLines
		if start < 0 {
			start = 0
		}
		end := idx + contextLines + 1
		if end > len(lines) {
			end = len(lines)
		}
		for i := start; i < end; i++ {
			keep[i] = true
		}
	}

	if len(keep) == len(lines) {
		return content, false
	}

	var out []string
	prev := -1
	for i, line := range lines {
		if !keep[i] {
			continue
		}
		if prev >= 0 && i > prev+1 {
			out = append(out, gapMarker)
		}
		out = append(out, fmt.Sprintf("%4d: %s", i+1, line))
		prev = i
	}

	return strings.Join(out, "\n"), true
}
