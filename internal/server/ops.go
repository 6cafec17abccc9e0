package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gradolab/tagline/internal/pipeline"
)

// OpsHandler exposes operational endpoints: manual sweeps for support and
// backfills.
type OpsHandler struct {
	Pipeline *pipeline.Pipeline
}

func (h *OpsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/sweep", h.sweep)
}

func (h *OpsHandler) sweep(c echo.Context) error {
	opts := pipeline.SweepOptions{
		Force:   c.QueryParam("force") == "true",
		Cascade: c.QueryParam("cascade") == "true",
	}
	report, err := h.Pipeline.Sweep(c.Request().Context(), opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}
