package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"

	"github.com/pipewatch/pkg/models"
)

type rawResult struct {
	Summary        string   `json:"summary"`
	RootCause      string   `json:"root_cause"`
	SuggestedFixes []string `json:"suggested_fixes"`
	Category       string   `json:"category"`
	Severity       string   `json:"severity"`
	Confidence     float64  `json:"confidence"`
}

var validCategories = map[string]bool{
	"code": true, "test": true, "infrastructure": true,
	"dependency": true, "configuration": true, "unknown": true,
}

var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// NormalizeResponse parses a raw provider completion into a canonical
// result. Fenced or slightly malformed JSON is repaired before giving
// up; a response with no usable summary is a provider failure.
func NormalizeResponse(raw, providerName string) (*models.AnalysisResult, error) {
	cleaned := stripFences(raw)

	var parsed rawResult
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(cleaned)
		if repairErr != nil {
			return nil, fmt.Errorf("response is not valid JSON and could not be repaired: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return nil, fmt.Errorf("repaired response is still not valid JSON: %w", err)
		}
		log.Debug().Str("provider", providerName).Msg("Repaired malformed JSON response")
	}

	if strings.TrimSpace(parsed.Summary) == "" {
		return nil, fmt.Errorf("response from %s has no summary", providerName)
	}

	if !validCategories[parsed.Category] {
		parsed.Category = "unknown"
	}
	if !validSeverities[parsed.Severity] {
		parsed.Severity = "medium"
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}

	return &models.AnalysisResult{
		Summary:        strings.TrimSpace(parsed.Summary),
		RootCause:      strings.TrimSpace(parsed.RootCause),
		SuggestedFixes: parsed.SuggestedFixes,
		Category:       parsed.Category,
		Severity:       parsed.Severity,
		Confidence:     parsed.Confidence,
		ProviderUsed:   providerName,
		GeneratedAt:    time.Now().UTC(),
	}, nil
}

// stripFences removes a surrounding markdown code fence, which several
// models add even when told not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
