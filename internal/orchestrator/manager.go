// Package orchestrator owns the analysis request lifecycle. The manager
// is the only component that mutates a request: collaborators fetch
// data or produce results, and the manager applies them and drives the
// state machine to exactly one terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pipewatch/internal/collector"
	"github.com/pipewatch/internal/dedup"
	"github.com/pipewatch/internal/logging"
	"github.com/pipewatch/internal/retry"
	"github.com/pipewatch/internal/store"
	"github.com/pipewatch/internal/strategy"
	"github.com/pipewatch/pkg/models"
)

// Analyzer produces a remediation report for a fetched context.
type Analyzer interface {
	Analyze(ctx context.Context, trigger models.Trigger, actx models.AnalysisContext) (*models.AnalysisResult, error)
}

// Queue hands accepted requests to the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, requestID string) error
}

// Options tune the manager.
type Options struct {
	DedupTTL          time.Duration
	WatchdogDeadline  time.Duration
	FetchFullPipeline bool
	MaxLogBytes       int
	ErrorContextLines int
}

// Manager coordinates dedup, persistence, fetching and analysis.
type Manager struct {
	store     store.RequestStore
	dedup     *dedup.Store
	collector collector.Collector
	analyzer  Analyzer
	results   *store.ResultCache
	queue     Queue
	opts      Options

	fetchRetry retry.Config
	now        func() time.Time
}

// NewManager wires a manager. The queue may be set later with SetQueue
// because the worker pool needs the manager first.
func NewManager(st store.RequestStore, dd *dedup.Store, coll collector.Collector, analyzer Analyzer, results *store.ResultCache, opts Options) *Manager {
	return &Manager{
		store:     st,
		dedup:     dd,
		collector: coll,
		analyzer:  analyzer,
		results:   results,
		opts:      opts,

		fetchRetry: retry.CollectorConfig(),
		now:        time.Now,
	}
}

// SetQueue attaches the worker queue.
func (m *Manager) SetQueue(q Queue) {
	m.queue = q
}

// Submit normalizes acceptance of a trigger: validate, fingerprint,
// claim the fingerprint, persist, enqueue. Duplicates return a
// DedupConflict carrying the winning request id; the caller decides
// what status code that deserves.
func (m *Manager) Submit(ctx context.Context, trigger models.Trigger) (string, error) {
	if err := validateTrigger(trigger); err != nil {
		return "", err
	}

	fingerprint := models.FingerprintOf(trigger)
	requestID := uuid.New().String()

	existingID, isNew := m.dedup.Register(fingerprint, requestID, m.opts.DedupTTL)
	if !isNew {
		log.Info().
			Str("fingerprint", string(fingerprint)).
			Str("existing_id", existingID).
			Msg("Duplicate trigger suppressed")
		return existingID, &models.DedupConflict{Fingerprint: fingerprint, ExistingID: existingID}
	}

	now := m.now().UTC()
	req := &models.AnalysisRequest{
		ID:              requestID,
		Fingerprint:     fingerprint,
		Trigger:         trigger,
		Status:          models.StatusReceived,
		ProcessingSteps: []string{"received"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := m.store.CreateRequest(ctx, req); err != nil {
		m.dedup.Release(fingerprint)
		return "", fmt.Errorf("failed to persist request: %w", err)
	}

	if err := m.queue.Enqueue(ctx, requestID); err != nil {
		req.Status = models.StatusFailed
		req.Error = fmt.Sprintf("failed to enqueue: %v", err)
		req.UpdatedAt = m.now().UTC()
		if updateErr := m.store.UpdateRequest(ctx, req); updateErr != nil {
			log.Error().Err(updateErr).Str("request_id", requestID).Msg("Failed to mark unenqueued request failed")
		}
		m.dedup.Release(fingerprint)
		return "", fmt.Errorf("failed to enqueue request: %w", err)
	}

	log.Info().
		Str("request_id", requestID).
		Str("source", string(trigger.Source)).
		Int("project_id", trigger.ProjectID).
		Int("pipeline_id", trigger.PipelineID).
		Msg("Analysis request accepted")

	return requestID, nil
}

func validateTrigger(trigger models.Trigger) error {
	if trigger.ProjectID <= 0 {
		return &models.ValidationError{Field: "project_id", Reason: "must be positive"}
	}
	if trigger.PipelineID <= 0 {
		return &models.ValidationError{Field: "pipeline_id", Reason: "must be positive"}
	}
	if trigger.Status == "" {
		return &models.ValidationError{Field: "status", Reason: "must not be empty"}
	}
	if trigger.Source != models.SourceWebhook && trigger.Source != models.SourceEmail {
		return &models.ValidationError{Field: "source", Reason: fmt.Sprintf("unknown source %q", trigger.Source)}
	}
	return nil
}

// Process drives one request from received to a terminal state. It is
// called by the worker pool and is safe to call again for a request
// that already finished.
func (m *Manager) Process(ctx context.Context, requestID string) error {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	if req.Status.Terminal() {
		log.Debug().Str("request_id", requestID).Str("status", string(req.Status)).
			Msg("Request already terminal, nothing to do")
		return nil
	}

	// The watchdog deadline is absolute from acceptance, so queue wait
	// counts against it.
	deadline := req.CreatedAt.Add(m.opts.WatchdogDeadline)
	if !m.now().Before(deadline) {
		m.expire(ctx, req, context.DeadlineExceeded)
		return nil
	}
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	logger := logging.WithRequest(requestID)

	m.transition(ctx, req, models.StatusFetching, "fetching")
	actx, err := m.buildContext(wctx, req)
	if err != nil {
		if wctx.Err() != nil {
			m.expire(ctx, req, wctx.Err())
			return nil
		}
		m.fail(ctx, req, &models.FetchError{
			ProjectID:  req.Trigger.ProjectID,
			PipelineID: req.Trigger.PipelineID,
			Err:        err,
		})
		return nil
	}
	req.Context = actx

	m.transition(ctx, req, models.StatusAnalyzing, "analyzing")
	result, err := m.analyzer.Analyze(wctx, req.Trigger, actx)
	if err != nil {
		if wctx.Err() != nil {
			m.expire(ctx, req, wctx.Err())
			return nil
		}
		m.fail(ctx, req, err)
		return nil
	}

	req.Result = result
	m.transition(ctx, req, models.StatusCompleted, "completed")
	m.results.Put(req.ID, result)
	m.dedup.Extend(req.Fingerprint, m.opts.DedupTTL)

	logger.Info().
		Str("provider", result.ProviderUsed).
		Str("category", result.Category).
		Str("severity", result.Severity).
		Msg("Analysis completed")

	return nil
}

// transition records a state change and persists it. Persistence
// failures are logged rather than propagated: the in-memory state
// machine stays authoritative for this process.
func (m *Manager) transition(ctx context.Context, req *models.AnalysisRequest, status models.RequestStatus, step string) {
	req.Status = status
	req.ProcessingSteps = append(req.ProcessingSteps, step)
	req.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateRequest(ctx, req); err != nil {
		log.Error().Err(err).
			Str("request_id", req.ID).
			Str("status", string(status)).
			Msg("Failed to persist state transition")
	}
}

func (m *Manager) fail(ctx context.Context, req *models.AnalysisRequest, cause error) {
	req.Error = cause.Error()
	m.transition(ctx, req, models.StatusFailed, "failed")
	// Terminal requests keep their fingerprint claim for the remaining
	// TTL so late duplicate deliveries stay suppressed.
	m.dedup.Extend(req.Fingerprint, m.opts.DedupTTL)

	log.Warn().Err(cause).Str("request_id", req.ID).Msg("Analysis request failed")
}

func (m *Manager) expire(ctx context.Context, req *models.AnalysisRequest, cause error) {
	req.Error = models.ErrExpired.Error()
	m.transition(ctx, req, models.StatusExpired, "expired")
	// An expired request releases its fingerprint immediately so a
	// redelivered trigger can start over.
	m.dedup.Release(req.Fingerprint)

	log.Warn().Err(cause).
		Str("request_id", req.ID).
		Dur("deadline", m.opts.WatchdogDeadline).
		Msg("Analysis request expired by watchdog")
}

// buildContext executes the fetch plan. GitLab calls get one bounded
// retry each; project info and test reports are best effort.
func (m *Manager) buildContext(ctx context.Context, req *models.AnalysisRequest) (models.AnalysisContext, error) {
	plan := strategy.Decide(req.Trigger, strategy.Options{FetchFullPipeline: m.opts.FetchFullPipeline})
	actx := models.AnalysisContext{Plan: plan}

	if plan == models.PlanUseTriggerData {
		content, truncated := collector.ProcessLog(
			req.Trigger.RawContext.ErrorLog, m.opts.MaxLogBytes, m.opts.ErrorContextLines, req.Trigger.RawContext.JobStatus)
		actx.JobLogs = []models.JobLog{{
			JobID:         req.Trigger.JobID,
			JobName:       req.Trigger.RawContext.JobName,
			Stage:         req.Trigger.RawContext.Stage,
			Status:        req.Trigger.RawContext.JobStatus,
			FailureReason: req.Trigger.RawContext.FailureReason,
			LogContent:    content,
			Truncated:     truncated,
		}}
		return actx, nil
	}

	var jobs []collector.Job
	res := retry.WithBackoff(ctx, m.fetchRetry, func() error {
		var listErr error
		jobs, listErr = m.collector.ListJobs(ctx, req.Trigger.ProjectID, req.Trigger.PipelineID)
		return listErr
	})
	if !res.Success {
		return actx, fmt.Errorf("failed to list jobs: %w", res.LastError)
	}

	targets := selectJobs(jobs, req.Trigger.JobID, plan)
	for _, job := range targets {
		var jobLog models.JobLog
		res := retry.WithBackoff(ctx, m.fetchRetry, func() error {
			var logErr error
			jobLog, logErr = m.collector.GetJobLog(ctx, req.Trigger.ProjectID, job, m.opts.MaxLogBytes)
			return logErr
		})
		if !res.Success {
			return actx, fmt.Errorf("failed to fetch log for job %d: %w", job.ID, res.LastError)
		}
		actx.JobLogs = append(actx.JobLogs, jobLog)
	}

	if info, err := m.collector.GetProjectInfo(ctx, req.Trigger.ProjectID); err != nil {
		log.Debug().Err(err).Str("request_id", req.ID).Msg("Project info unavailable")
	} else {
		actx.ProjectInfo = info
	}

	if plan == models.PlanFetchFullPipeline {
		if report, err := m.collector.GetTestReport(ctx, req.Trigger.ProjectID, req.Trigger.PipelineID); err != nil {
			log.Debug().Err(err).Str("request_id", req.ID).Msg("Test report unavailable")
		} else {
			actx.TestReport = report
		}
	}

	return actx, nil
}

// selectJobs picks which jobs to pull logs for. A full-pipeline fetch
// takes every job, failures first so they lead the prompt; otherwise
// only failed jobs qualify, narrowed to the trigger's job when known.
func selectJobs(jobs []collector.Job, triggerJobID int, plan models.FetchPlan) []collector.Job {
	var failed, rest []collector.Job
	for _, j := range jobs {
		switch j.Status {
		case "failed", "canceled":
			failed = append(failed, j)
		default:
			rest = append(rest, j)
		}
	}

	if plan == models.PlanFetchFullPipeline {
		return append(failed, rest...)
	}

	if triggerJobID > 0 {
		for _, j := range failed {
			if j.ID == triggerJobID {
				return []collector.Job{j}
			}
		}
	}
	return failed
}

// Lookup serves a status query. Completed requests prefer the cached
// result; a request whose result has aged out of the cache but is
// still in the store answers from the store.
func (m *Manager) Lookup(ctx context.Context, requestID string) (*models.AnalysisRequest, error) {
	req, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	if cached := m.results.Get(requestID); cached != nil {
		req.Result = cached
	}
	return req, nil
}
