// Package collector fetches CI context (jobs, logs, test reports,
// project metadata) from the origin CI system. All calls are rate- and
// size-bounded and carry explicit timeouts.
package collector

import (
	"context"

	"github.com/pipewatch/pkg/models"
)

// Job is one pipeline job as listed by the CI system.
type Job struct {
	ID            int
	Name          string
	Stage         string
	Status        string
	FailureReason string
}

// Collector is the boundary to the CI system's API.
type Collector interface {
	// ListJobs returns all jobs of a pipeline.
	ListJobs(ctx context.Context, projectID, pipelineID int) ([]Job, error)

	// GetJobLog fetches one job's log, bounded to maxBytes and
	// post-processed for error context.
	GetJobLog(ctx context.Context, projectID int, job Job, maxBytes int) (models.JobLog, error)

	// GetTestReport returns the pipeline's aggregated test report, or
	// nil when the pipeline has none.
	GetTestReport(ctx context.Context, projectID, pipelineID int) (*models.TestSummary, error)

	// GetProjectInfo returns project metadata for prompt context.
	GetProjectInfo(ctx context.Context, projectID int) (*models.ProjectInfo, error)
}
