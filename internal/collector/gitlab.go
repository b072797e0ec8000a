package collector

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	gitlab "gitlab.com/gitlab-org/api/client-go"
	"golang.org/x/time/rate"

	"github.com/pipewatch/pkg/models"
)

// GitLabConfig contains configuration for the GitLab collector
type GitLabConfig struct {
	URL               string  `koanf:"url"`
	Token             string  `koanf:"token"`
	Timeout           time.Duration
	ErrorContextLines int
	RequestsPerSecond float64
}

// GitLabCollector implements Collector against the GitLab REST API.
type GitLabCollector struct {
	client  *gitlab.Client
	config  GitLabConfig
	limiter *rate.Limiter
}

// NewGitLab creates a collector for a GitLab instance.
func NewGitLab(config GitLabConfig) (*GitLabCollector, error) {
	var opts []gitlab.ClientOptionFunc
	if config.URL != "" {
		opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("%s/api/v4", config.URL)))
	}
	client, err := gitlab.NewClient(config.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to set GitLab API base URL: %w", err)
	}

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &GitLabCollector{
		client:  client,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}, nil
}

// wait applies the outbound rate bound and the per-call timeout.
func (c *GitLabCollector) wait(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, nil
}

// ListJobs returns all jobs of a pipeline.
func (c *GitLabCollector) ListJobs(ctx context.Context, projectID, pipelineID int) ([]Job, error) {
	ctx, cancel, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	glJobs, _, err := c.client.Jobs.ListPipelineJobs(projectID, pipelineID, &gitlab.ListJobsOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline jobs: %w", err)
	}

	jobs := make([]Job, 0, len(glJobs))
	for _, j := range glJobs {
		jobs = append(jobs, Job{
			ID:     j.ID,
			Name:   j.Name,
			Stage:  j.Stage,
			Status: j.Status,
		})
	}

	log.Debug().Int("project_id", projectID).Int("pipeline_id", pipelineID).
		Int("jobs", len(jobs)).Msg("Listed pipeline jobs")

	return jobs, nil
}

// GetJobLog fetches one job's trace, capped to maxBytes and narrowed to
// error context before it goes anywhere near a prompt.
func (c *GitLabCollector) GetJobLog(ctx context.Context, projectID int, job Job, maxBytes int) (models.JobLog, error) {
	ctx, cancel, err := c.wait(ctx)
	if err != nil {
		return models.JobLog{}, err
	}
	defer cancel()

	trace, _, err := c.client.Jobs.GetTraceFile(projectID, job.ID, gitlab.WithContext(ctx))
	if err != nil {
		return models.JobLog{}, fmt.Errorf("failed to fetch trace for job %d: %w", job.ID, err)
	}

	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	raw, err := io.ReadAll(trace)
	if err != nil {
		return models.JobLog{}, fmt.Errorf("failed to read trace for job %d: %w", job.ID, err)
	}

	content, truncated := ProcessLog(string(raw), maxBytes, c.config.ErrorContextLines, job.Status)

	return models.JobLog{
		JobID:         job.ID,
		JobName:       job.Name,
		Stage:         job.Stage,
		Status:        job.Status,
		FailureReason: job.FailureReason,
		LogContent:    content,
		Truncated:     truncated,
	}, nil
}

// GetTestReport returns the pipeline's aggregated test report. A
// pipeline without one yields (nil, nil).
func (c *GitLabCollector) GetTestReport(ctx context.Context, projectID, pipelineID int) (*models.TestSummary, error) {
	ctx, cancel, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	report, resp, err := c.client.Pipelines.GetPipelineTestReport(projectID, pipelineID, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch test report: %w", err)
	}
	if report == nil || report.TotalCount == 0 {
		return nil, nil
	}

	summary := &models.TestSummary{
		TotalCount:  report.TotalCount,
		FailedCount: report.FailedCount,
		ErrorCount:  report.ErrorCount,
	}
	for _, suite := range report.TestSuites {
		for _, tc := range suite.TestCases {
			if tc.Status == "failed" || tc.Status == "error" {
				summary.FailedCases = append(summary.FailedCases, fmt.Sprintf("%s/%s", suite.Name, tc.Name))
			}
		}
	}

	return summary, nil
}

// GetProjectInfo returns project metadata for prompt context.
func (c *GitLabCollector) GetProjectInfo(ctx context.Context, projectID int) (*models.ProjectInfo, error) {
	ctx, cancel, err := c.wait(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	project, _, err := c.client.Projects.GetProject(projectID, &gitlab.GetProjectOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch project %d: %w", projectID, err)
	}

	return &models.ProjectInfo{
		ID:            project.ID,
		Name:          project.Name,
		PathWithNS:    project.PathWithNamespace,
		DefaultBranch: project.DefaultBranch,
		Description:   project.Description,
	}, nil
}
