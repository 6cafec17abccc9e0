package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gradolab/tagline/internal/pipeline"
)

// EventsHandler receives grading events from the submission service.
type EventsHandler struct {
	Pipeline *pipeline.Pipeline
}

func (h *EventsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/submission-graded", h.submissionGraded)
}

func (h *EventsHandler) submissionGraded(c echo.Context) error {
	var ev SubmissionGradedEvent
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if ev.OwnerID == "" {
		ev.OwnerID = ownerID(c)
	}
	if ev.AssignmentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "assignment_id required")
	}
	if err := h.Pipeline.TouchAssignment(c.Request().Context(), ev.OwnerID, ev.AssignmentID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}
