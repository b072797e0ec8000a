// Package strategy decides how much data to fetch from GitLab for a
// given trigger. The decision is made once per request and recorded on
// the analysis context so operators can see why a fetch happened.
package strategy

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pipewatch/pkg/models"
)

// Options tune the decision. FetchFullPipeline forces the widest plan
// for triggers that do not already carry a usable log.
type Options struct {
	FetchFullPipeline bool
}

// Decide maps a trigger onto a fetch plan. Rules are ordered; the first
// match wins, so the same trigger always yields the same plan.
func Decide(trigger models.Trigger, opts Options) models.FetchPlan {
	plan := decide(trigger, opts)
	log.Debug().
		Str("source", string(trigger.Source)).
		Int("project_id", trigger.ProjectID).
		Int("pipeline_id", trigger.PipelineID).
		Str("plan", string(plan)).
		Msg("Selected fetch plan")
	return plan
}

func decide(trigger models.Trigger, opts Options) models.FetchPlan {
	if trigger.Source == models.SourceWebhook &&
		strings.TrimSpace(trigger.RawContext.ErrorLog) != "" &&
		trigger.RawContext.JobStatus == "failed" {
		return models.PlanUseTriggerData
	}

	if opts.FetchFullPipeline {
		return models.PlanFetchFullPipeline
	}

	return models.PlanFetchFailedJobOnly
}
