package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gradolab/tagline/internal/store"
)

// AbilitiesHandler exposes ability categories, tag mappings and the
// confidence-weighted rollup.
type AbilitiesHandler struct {
	Store *store.Store
}

func (h *AbilitiesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.GET("/mappings", h.mappings)
	g.GET("/rollup", h.rollup)
}

func (h *AbilitiesHandler) list(c echo.Context) error {
	items, err := h.Store.ListAbilityEntries(c.Request().Context(), ownerID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *AbilitiesHandler) mappings(c echo.Context) error {
	items, err := h.Store.ListTagAbilityMappings(c.Request().Context(), ownerID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *AbilitiesHandler) rollup(c echo.Context) error {
	items, err := h.Store.ListAbilityAggregates(c.Request().Context(), ownerID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}
