package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TriggerSource identifies where a failure notification came from
type TriggerSource string

const (
	SourceWebhook TriggerSource = "webhook"
	SourceEmail   TriggerSource = "email"
)

// Trigger is the normalized form of a CI failure notification. Both the
// webhook parser and the email parser produce this shape; nothing
// downstream looks at source-specific fields again.
type Trigger struct {
	Source     TriggerSource `json:"source"`
	ProjectID  int           `json:"project_id"`
	PipelineID int           `json:"pipeline_id"`
	JobID      int           `json:"job_id,omitempty"`
	Status     string        `json:"status"`
	RawContext RawContext    `json:"raw_context"`
	ReceivedAt time.Time     `json:"received_at"`
}

// RawContext carries whatever failure detail the trigger source already
// had, so the fetch strategist can decide whether a network call is
// needed at all.
type RawContext struct {
	JobName       string `json:"job_name,omitempty"`
	Stage         string `json:"stage,omitempty"`
	JobStatus     string `json:"job_status,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	ErrorLog      string `json:"error_log,omitempty"`
	Ref           string `json:"ref,omitempty"`
	CommitSHA     string `json:"commit_sha,omitempty"`
}

// Fingerprint is the deterministic identity of a failure event, used
// for deduplication.
type Fingerprint string

// ComputeFingerprint derives the dedup identity from the fields that
// make two triggers "the same failure". Field order is fixed, so the
// result does not depend on any serialization.
func ComputeFingerprint(projectID, pipelineID, jobID int, status string) Fingerprint {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%d|%s", projectID, pipelineID, jobID, status)))
	return Fingerprint(hex.EncodeToString(h[:]))
}

// FingerprintOf computes the fingerprint for a trigger.
func FingerprintOf(t Trigger) Fingerprint {
	return ComputeFingerprint(t.ProjectID, t.PipelineID, t.JobID, t.Status)
}

// RequestStatus is the lifecycle state of an analysis request.
type RequestStatus string

const (
	StatusReceived  RequestStatus = "received"
	StatusFetching  RequestStatus = "fetching"
	StatusAnalyzing RequestStatus = "analyzing"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusExpired   RequestStatus = "expired"
)

// Terminal reports whether a status is final.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// FetchPlan is the strategist's decision about how much CI data to pull
// before analysis.
type FetchPlan string

const (
	PlanUseTriggerData     FetchPlan = "use_trigger_data"
	PlanFetchFailedJobOnly FetchPlan = "fetch_failed_job_only"
	PlanFetchFullPipeline  FetchPlan = "fetch_full_pipeline"
)

// JobLog is one job's processed log plus enough metadata for the
// analysis prompt.
type JobLog struct {
	JobID         int    `json:"job_id"`
	JobName       string `json:"job_name"`
	Stage         string `json:"stage"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	LogContent    string `json:"log_content"`
	Truncated     bool   `json:"truncated"`
}

// ProjectInfo is the subset of project metadata worth feeding the AI.
type ProjectInfo struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	PathWithNS    string `json:"path_with_namespace"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Description   string `json:"description,omitempty"`
}

// TestSummary is an aggregated pipeline test report.
type TestSummary struct {
	TotalCount  int      `json:"total_count"`
	FailedCount int      `json:"failed_count"`
	ErrorCount  int      `json:"error_count"`
	FailedCases []string `json:"failed_cases,omitempty"`
}

// AnalysisContext accumulates everything gathered for one request. It
// grows while the request is fetching and is frozen afterwards.
type AnalysisContext struct {
	Plan        FetchPlan    `json:"plan"`
	JobLogs     []JobLog     `json:"job_logs,omitempty"`
	ProjectInfo *ProjectInfo `json:"project_info,omitempty"`
	TestReport  *TestSummary `json:"test_report,omitempty"`
}

// HasLogs reports whether any log content made it into the context.
func (c AnalysisContext) HasLogs() bool {
	for _, l := range c.JobLogs {
		if l.LogContent != "" {
			return true
		}
	}
	return false
}

// AnalysisResult is the normalized remediation report. Immutable once
// attached to a request.
type AnalysisResult struct {
	Summary        string    `json:"summary"`
	RootCause      string    `json:"root_cause,omitempty"`
	SuggestedFixes []string  `json:"suggested_fixes,omitempty"`
	Category       string    `json:"category,omitempty"`
	Severity       string    `json:"severity,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	ProviderUsed   string    `json:"provider_used"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// AnalysisRequest is the unit of work owned by the request manager. No
// other component mutates it; collaborators return data and the manager
// applies it.
type AnalysisRequest struct {
	ID              string          `json:"id"`
	Fingerprint     Fingerprint     `json:"fingerprint"`
	Trigger         Trigger         `json:"trigger"`
	Status          RequestStatus   `json:"status"`
	Context         AnalysisContext `json:"context"`
	ProcessingSteps []string        `json:"processing_steps,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Result          *AnalysisResult `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// ProcessedEmailRecord marks a mailbox message as handled by the
// poller. Durable: a message id is never reprocessed, even across
// restarts.
type ProcessedEmailRecord struct {
	MessageID   string      `json:"message_id"`
	Fingerprint Fingerprint `json:"fingerprint"`
	ProcessedAt time.Time   `json:"processed_at"`
}
