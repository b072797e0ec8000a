package strategy

import (
	"testing"

	"github.com/pipewatch/pkg/models"
)

func TestDecideUsesTriggerDataForWebhookWithLog(t *testing.T) {
	trigger := models.Trigger{
		Source: models.SourceWebhook,
		RawContext: models.RawContext{
			ErrorLog:  "npm ERR! build failed",
			JobStatus: "failed",
		},
	}

	plan := Decide(trigger, Options{})
	if plan != models.PlanUseTriggerData {
		t.Errorf("Expected %s, got %s", models.PlanUseTriggerData, plan)
	}

	// Log presence beats the full-pipeline flag.
	plan = Decide(trigger, Options{FetchFullPipeline: true})
	if plan != models.PlanUseTriggerData {
		t.Errorf("Expected %s with full-pipeline flag set, got %s", models.PlanUseTriggerData, plan)
	}
}

func TestDecideIgnoresWhitespaceOnlyLog(t *testing.T) {
	trigger := models.Trigger{
		Source: models.SourceWebhook,
		RawContext: models.RawContext{
			ErrorLog:  "   \n\t  ",
			JobStatus: "failed",
		},
	}

	if plan := Decide(trigger, Options{}); plan != models.PlanFetchFailedJobOnly {
		t.Errorf("Expected %s for whitespace-only log, got %s", models.PlanFetchFailedJobOnly, plan)
	}
}

func TestDecideRequiresFailedJobStatus(t *testing.T) {
	trigger := models.Trigger{
		Source: models.SourceWebhook,
		RawContext: models.RawContext{
			ErrorLog:  "some log content",
			JobStatus: "canceled",
		},
	}

	if plan := Decide(trigger, Options{}); plan != models.PlanFetchFailedJobOnly {
		t.Errorf("Expected %s for non-failed job status, got %s", models.PlanFetchFailedJobOnly, plan)
	}
}

func TestDecideEmailAlwaysFetches(t *testing.T) {
	trigger := models.Trigger{
		Source: models.SourceEmail,
		RawContext: models.RawContext{
			ErrorLog:  "log text that came from nowhere",
			JobStatus: "failed",
		},
	}

	if plan := Decide(trigger, Options{}); plan != models.PlanFetchFailedJobOnly {
		t.Errorf("Expected %s for email trigger, got %s", models.PlanFetchFailedJobOnly, plan)
	}

	if plan := Decide(trigger, Options{FetchFullPipeline: true}); plan != models.PlanFetchFullPipeline {
		t.Errorf("Expected %s for email trigger with flag, got %s", models.PlanFetchFullPipeline, plan)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	trigger := models.Trigger{
		Source:     models.SourceWebhook,
		ProjectID:  42,
		PipelineID: 100,
	}

	first := Decide(trigger, Options{})
	for i := 0; i < 10; i++ {
		if got := Decide(trigger, Options{}); got != first {
			t.Fatalf("Plan changed between calls: %s then %s", first, got)
		}
	}
}
