package ai

import (
	"fmt"
	"strings"

	"github.com/pipewatch/pkg/models"
)

// BuildPrompt renders an analysis context into the prompt sent to a
// provider. The expected response shape is spelled out inline so every
// provider gets identical instructions.
func BuildPrompt(trigger models.Trigger, actx models.AnalysisContext) string {
	var b strings.Builder

	b.WriteString("You are an expert CI/CD engineer. Analyze the following failed GitLab pipeline and explain what went wrong.\n\n")

	fmt.Fprintf(&b, "Project ID: %d\nPipeline ID: %d\nPipeline status: %s\n", trigger.ProjectID, trigger.PipelineID, trigger.Status)
	if trigger.RawContext.Ref != "" {
		fmt.Fprintf(&b, "Ref: %s\n", trigger.RawContext.Ref)
	}
	if trigger.RawContext.CommitSHA != "" {
		fmt.Fprintf(&b, "Commit: %s\n", trigger.RawContext.CommitSHA)
	}

	if actx.ProjectInfo != nil {
		fmt.Fprintf(&b, "\nProject: %s (default branch %s)\n", actx.ProjectInfo.PathWithNS, actx.ProjectInfo.DefaultBranch)
		if actx.ProjectInfo.Description != "" {
			fmt.Fprintf(&b, "Description: %s\n", actx.ProjectInfo.Description)
		}
	}

	if actx.TestReport != nil {
		fmt.Fprintf(&b, "\nTest report: %d total, %d failed, %d errored\n",
			actx.TestReport.TotalCount, actx.TestReport.FailedCount, actx.TestReport.ErrorCount)
		for _, name := range actx.TestReport.FailedCases {
			fmt.Fprintf(&b, "  failing: %s\n", name)
		}
	}

	for _, jobLog := range actx.JobLogs {
		fmt.Fprintf(&b, "\n--- Job: %s (stage %s, status %s", jobLog.JobName, jobLog.Stage, jobLog.Status)
		if jobLog.FailureReason != "" {
			fmt.Fprintf(&b, ", reason %s", jobLog.FailureReason)
		}
		b.WriteString(") ---\n")
		if jobLog.LogContent != "" {
			b.WriteString(jobLog.LogContent)
			b.WriteString("\n")
		} else {
			b.WriteString("(no log available)\n")
		}
	}

	if !actx.HasLogs() {
		b.WriteString("\nNo job logs were available. Base the analysis on the pipeline metadata above.\n")
	}

	b.WriteString(`
Respond with a single JSON object, no surrounding text, with these fields:
  "summary": one-paragraph explanation of the failure
  "root_cause": the most likely underlying cause
  "suggested_fixes": array of concrete remediation steps
  "category": one of "code", "test", "infrastructure", "dependency", "configuration", "unknown"
  "severity": one of "low", "medium", "high", "critical"
  "confidence": number between 0 and 1
`)

	return b.String()
}
