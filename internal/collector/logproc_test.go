package collector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessLogUnderLimitUntouched(t *testing.T) {
	content := "line one\nline two\nline three"
	out, truncated := ProcessLog(content, 1024, 0, "failed")

	assert.Equal(t, content, out)
	assert.False(t, truncated)
}

func TestProcessLogTruncationPreservesTail(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		b.WriteString("some build output line that takes space\n")
	}
	tail := "final line with the real error: exit status 1"
	b.WriteString(tail)
	content := b.String()

	out, truncated := ProcessLog(content, 2048, 0, "failed")

	assert.True(t, truncated)
	assert.LessOrEqual(t, len(out), 2048+len(truncationMarker)+1)
	assert.True(t, strings.HasPrefix(out, truncationMarker), "truncation must be marked")
	assert.True(t, strings.HasSuffix(out, tail), "tail of the log must survive truncation")
}

func TestProcessLogTruncationMarkerAlwaysSet(t *testing.T) {
	content := strings.Repeat("x", 100) + "\n" + strings.Repeat("y", 100)
	out, truncated := ProcessLog(content, 50, 0, "failed")

	assert.True(t, truncated)
	assert.Contains(t, out, truncationMarker)
}

func TestErrorContextExtraction(t *testing.T) {
	lines := make([]string, 0, 200)
	for i := 0; i < 100; i++ {
		lines = append(lines, "setup output")
	}
	lines = append(lines, "Error: cannot find package")
	for i := 0; i < 100; i++ {
		lines = append(lines, "teardown output")
	}
	content := strings.Join(lines, "\n")

	out, cut := ProcessLog(content, 0, 3, "failed")

	assert.True(t, cut)
	assert.Contains(t, out, "Error: cannot find package")
	assert.Contains(t, out, gapMarker)
	// 3 lines before + error + 3 after = 7 content lines, plus gap markers.
	assert.Less(t, len(strings.Split(out, "\n")), 12)
}

func TestErrorContextFallbackKeepsTail(t *testing.T) {
	lines := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		lines = append(lines, "benign output")
	}
	content := strings.Join(lines, "\n")

	out, cut := ProcessLog(content, 0, 5, "failed")

	assert.True(t, cut)
	// No recognized marker: keep the last 2*contextLines lines.
	assert.Len(t, strings.Split(out, "\n"), 10)
}

func TestErrorContextSkippedForSuccessfulJobs(t *testing.T) {
	content := strings.Repeat("ok\n", 100) + "done"
	out, cut := ProcessLog(content, 0, 2, "success")

	assert.Equal(t, content, out)
	assert.False(t, cut)
}

func TestOverlappingErrorWindowsMerge(t *testing.T) {
	content := strings.Join([]string{
		"a", "b",
		"Error: first",
		"c",
		"Error: second",
		"d", "e",
	}, "\n")

	out, _ := ProcessLog(content, 0, 2, "failed")

	assert.NotContains(t, out, gapMarker, "adjacent windows should merge without a gap")
	assert.Contains(t, out, "Error: first")
	assert.Contains(t, out, "Error: second")
}
