package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewatch/internal/collector"
	"github.com/pipewatch/internal/dedup"
	"github.com/pipewatch/internal/orchestrator"
	"github.com/pipewatch/internal/store"
	"github.com/pipewatch/pkg/models"
)

type stubStore struct {
	mu       sync.Mutex
	requests map[string]*models.AnalysisRequest
}

func (s *stubStore) CreateRequest(_ context.Context, req *models.AnalysisRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *stubStore) UpdateRequest(_ context.Context, req *models.AnalysisRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	s.requests[req.ID] = &clone
	return nil
}

func (s *stubStore) GetRequest(_ context.Context, id string) (*models.AnalysisRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	clone := *req
	return &clone, nil
}

func (s *stubStore) MarkNonTerminalExpired(_ context.Context) (int, error) { return 0, nil }

func (s *stubStore) IsEmailProcessed(_ context.Context, _ string) (bool, error) { return false, nil }

func (s *stubStore) RecordProcessedEmail(_ context.Context, _ models.ProcessedEmailRecord) error {
	return nil
}

type stubCollector struct{}

func (stubCollector) ListJobs(_ context.Context, _, _ int) ([]collector.Job, error) {
	return nil, nil
}

func (stubCollector) GetJobLog(_ context.Context, _ int, _ collector.Job, _ int) (models.JobLog, error) {
	return models.JobLog{}, nil
}

func (stubCollector) GetTestReport(_ context.Context, _, _ int) (*models.TestSummary, error) {
	return nil, nil
}

func (stubCollector) GetProjectInfo(_ context.Context, _ int) (*models.ProjectInfo, error) {
	return nil, nil
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, _ models.Trigger, _ models.AnalysisContext) (*models.AnalysisResult, error) {
	return &models.AnalysisResult{Summary: "ok", ProviderUsed: "openai"}, nil
}

type stubQueue struct{ ids []string }

func (q *stubQueue) Enqueue(_ context.Context, id string) error {
	q.ids = append(q.ids, id)
	return nil
}

func newTestServer(t *testing.T, secret string) (*Server, *stubQueue) {
	t.Helper()
	manager := orchestrator.NewManager(
		&stubStore{requests: make(map[string]*models.AnalysisRequest)},
		dedup.NewStore(),
		stubCollector{},
		stubAnalyzer{},
		store.NewResultCache(15*time.Minute),
		orchestrator.Options{DedupTTL: 30 * time.Minute, WatchdogDeadline: 5 * time.Minute},
	)
	queue := &stubQueue{}
	manager.SetQueue(queue)
	return NewServer(8080, secret, manager), queue
}

const pipelinePayload = `{
	"object_kind": "pipeline",
	"object_attributes": {"id": 1234, "status": "failed", "ref": "main", "sha": "abc123"},
	"project": {"id": 7},
	"builds": [
		{"id": 11, "name": "build", "stage": "build", "status": "success"},
		{"id": 12, "name": "test", "stage": "test", "status": "failed", "failure_reason": "script_failure"}
	]
}`

func postWebhook(s *Server, payload, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/gitlab", strings.NewReader(payload))
	req.Header.Set(echoHeaderContentType, "application/json")
	if token != "" {
		req.Header.Set("X-Gitlab-Token", token)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func TestWebhookAcceptsFailedPipeline(t *testing.T) {
	s, queue := newTestServer(t, "")

	rec := postWebhook(s, pipelinePayload, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["request_id"])
	assert.Equal(t, "received", resp["status"])
	assert.Len(t, queue.ids, 1)
}

func TestWebhookRejectsBadToken(t *testing.T) {
	s, queue := newTestServer(t, "s3cret")

	rec := postWebhook(s, pipelinePayload, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, queue.ids)

	rec = postWebhook(s, pipelinePayload, "s3cret")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhookDuplicateReturnsExistingID(t *testing.T) {
	s, queue := newTestServer(t, "")

	first := postWebhook(s, pipelinePayload, "")
	require.Equal(t, http.StatusAccepted, first.Code)
	var firstResp map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

	second := postWebhook(s, pipelinePayload, "")
	require.Equal(t, http.StatusAccepted, second.Code)
	var secondResp map[string]interface{}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))

	assert.Equal(t, firstResp["request_id"], secondResp["request_id"])
	assert.Equal(t, true, secondResp["duplicate"])
	assert.Len(t, queue.ids, 1)
}

func TestWebhookIgnoresSuccessfulPipeline(t *testing.T) {
	s, queue := newTestServer(t, "")

	payload := strings.Replace(pipelinePayload, `"status": "failed"`, `"status": "success"`, 1)
	rec := postWebhook(s, payload, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, queue.ids)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	s, queue := newTestServer(t, "")

	rec := postWebhook(s, `{"object_kind": "merge_request"}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, queue.ids)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := postWebhook(s, `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookAcceptsFailedJobEvent(t *testing.T) {
	s, _ := newTestServer(t, "")

	payload := `{
		"object_kind": "build",
		"build_id": 12, "build_name": "test", "build_stage": "test",
		"build_status": "failed", "build_failure_reason": "script_failure",
		"pipeline_id": 1234, "project_id": 7, "ref": "main", "sha": "abc123"
	}`
	rec := postWebhook(s, payload, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGetAnalysisNotFound(t *testing.T) {
	s, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/nope", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAnalysisReturnsStatus(t *testing.T) {
	s, queue := newTestServer(t, "")

	rec := postWebhook(s, pipelinePayload, "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, queue.ids, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/analyses/"+queue.ids[0], nil)
	getRec := httptest.NewRecorder()
	s.echo.ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)

	var resp analysisResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
	assert.Equal(t, queue.ids[0], resp.RequestID)
	assert.Equal(t, "received", resp.Status)
	assert.Equal(t, []string{"received"}, resp.ProcessingSteps)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
