package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/pipewatch/pkg/models"
)

// pipelineEvent is the subset of GitLab's pipeline webhook payload the
// receiver cares about.
type pipelineEvent struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
		Ref    string `json:"ref"`
		SHA    string `json:"sha"`
	} `json:"object_attributes"`
	Project struct {
		ID int `json:"id"`
	} `json:"project"`
	Builds []struct {
		ID            int    `json:"id"`
		Name          string `json:"name"`
		Stage         string `json:"stage"`
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	} `json:"builds"`
}

// jobEvent is the subset of GitLab's job webhook payload.
type jobEvent struct {
	ObjectKind    string `json:"object_kind"`
	BuildID       int    `json:"build_id"`
	BuildName     string `json:"build_name"`
	BuildStage    string `json:"build_stage"`
	BuildStatus   string `json:"build_status"`
	FailureReason string `json:"build_failure_reason"`
	PipelineID    int    `json:"pipeline_id"`
	ProjectID     int    `json:"project_id"`
	Ref           string `json:"ref"`
	SHA           string `json:"sha"`
}

// handleGitLabWebhook accepts pipeline and job events. Acceptance is
// fire and forget: a valid failure event gets a 202 immediately and
// all fetching and analysis happens on the worker pool.
func (s *Server) handleGitLabWebhook(c echo.Context) error {
	if s.webhookSecret != "" && c.Request().Header.Get("X-Gitlab-Token") != s.webhookSecret {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook token")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read payload")
	}

	var probe struct {
		ObjectKind string `json:"object_kind"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	var trigger models.Trigger
	var ok bool
	switch probe.ObjectKind {
	case "pipeline":
		var event pipelineEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed pipeline event")
		}
		trigger, ok = triggerFromPipelineEvent(event)
	case "build":
		var event jobEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed job event")
		}
		trigger, ok = triggerFromJobEvent(event)
	default:
		return c.JSON(http.StatusOK, map[string]string{
			"message": "event type ignored",
		})
	}

	if !ok {
		return c.JSON(http.StatusOK, map[string]string{
			"message": "pipeline not failed, ignored",
		})
	}

	requestID, err := s.manager.Submit(c.Request().Context(), trigger)
	if err != nil {
		var conflict *models.DedupConflict
		if errors.As(err, &conflict) {
			return c.JSON(http.StatusAccepted, map[string]interface{}{
				"request_id": conflict.ExistingID,
				"duplicate":  true,
			})
		}
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		log.Error().Err(err).Msg("Failed to accept webhook trigger")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to accept trigger")
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"request_id": requestID,
		"status":     string(models.StatusReceived),
	})
}

func triggerFromPipelineEvent(event pipelineEvent) (models.Trigger, bool) {
	if event.ObjectAttributes.Status != "failed" {
		return models.Trigger{}, false
	}

	trigger := models.Trigger{
		Source:     models.SourceWebhook,
		ProjectID:  event.Project.ID,
		PipelineID: event.ObjectAttributes.ID,
		Status:     event.ObjectAttributes.Status,
		RawContext: models.RawContext{
			Ref:       event.ObjectAttributes.Ref,
			CommitSHA: event.ObjectAttributes.SHA,
		},
		ReceivedAt: time.Now().UTC(),
	}

	// The pipeline payload lists its builds; remember the first failed
	// one so the fetch can be narrowed to it.
	for _, b := range event.Builds {
		if b.Status == "failed" {
			trigger.JobID = b.ID
			trigger.RawContext.JobName = b.Name
			trigger.RawContext.Stage = b.Stage
			trigger.RawContext.JobStatus = b.Status
			trigger.RawContext.FailureReason = b.FailureReason
			break
		}
	}

	return trigger, true
}

func triggerFromJobEvent(event jobEvent) (models.Trigger, bool) {
	if event.BuildStatus != "failed" {
		return models.Trigger{}, false
	}

	return models.Trigger{
		Source:     models.SourceWebhook,
		ProjectID:  event.ProjectID,
		PipelineID: event.PipelineID,
		JobID:      event.BuildID,
		Status:     "failed",
		RawContext: models.RawContext{
			JobName:       event.BuildName,
			Stage:         event.BuildStage,
			JobStatus:     event.BuildStatus,
			FailureReason: event.FailureReason,
			Ref:           event.Ref,
			CommitSHA:     event.SHA,
		},
		ReceivedAt: time.Now().UTC(),
	}, true
}
