package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pipewatch/pkg/models"
)

// analysisResponse is the status endpoint's view of a request.
type analysisResponse struct {
	RequestID       string                 `json:"request_id"`
	Status          string                 `json:"status"`
	ProcessingSteps []string               `json:"processing_steps,omitempty"`
	Plan            string                 `json:"fetch_plan,omitempty"`
	Result          *models.AnalysisResult `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// getAnalysis reports a request's current state and, once completed,
// its result. Unknown ids and ids whose retention lapsed both answer
// 404; the two cases are indistinguishable on purpose.
func (s *Server) getAnalysis(c echo.Context) error {
	id := c.Param("id")

	req, err := s.manager.Lookup(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "analysis not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load analysis")
	}

	return c.JSON(http.StatusOK, analysisResponse{
		RequestID:       req.ID,
		Status:          string(req.Status),
		ProcessingSteps: req.ProcessingSteps,
		Plan:            string(req.Context.Plan),
		Result:          req.Result,
		Error:           req.Error,
	})
}
