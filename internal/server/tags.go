package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/gradolab/tagline/internal/pipeline"
	"github.com/gradolab/tagline/internal/search"
	"github.com/gradolab/tagline/internal/store"
)

// TagsHandler exposes the dictionary, assignment tag sets, domain rollups
// and the manual-override surface.
type TagsHandler struct {
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Index    *search.LabelIndex
}

func (h *TagsHandler) Register(api *echo.Group, secret []byte) {
	g := api.Group("")
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("/tags", h.dictionary)
	g.GET("/tags/search", h.search)
	g.GET("/assignments/:id/tags", h.assignmentTags)
	g.GET("/assignments/:id/state", h.assignmentState)
	g.POST("/assignments/:id/tags", h.override)
	g.POST("/assignments/:id/unlock", h.unlock)
	g.GET("/domains/:domain/tags", h.domainTags)
}

func (h *TagsHandler) dictionary(c echo.Context) error {
	owner := ownerID(c)
	var (
		items []store.TagDictionaryEntry
		err   error
	)
	if c.QueryParam("all") == "true" {
		items, err = h.Store.ListTagEntries(c.Request().Context(), owner)
	} else {
		items, err = h.Store.ListActiveTagEntries(c.Request().Context(), owner)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *TagsHandler) search(c echo.Context) error {
	owner := ownerID(c)
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	k, _ := strconv.Atoi(c.QueryParam("k"))
	if h.Index == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search index not available")
	}
	if err := h.Index.RefreshOwner(c.Request().Context(), owner); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	hits, err := h.Index.Search(owner, q, k)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, hits)
}

func (h *TagsHandler) assignmentTags(c echo.Context) error {
	owner := ownerID(c)
	items, err := h.Store.ListAssignmentAggregates(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *TagsHandler) assignmentState(c echo.Context) error {
	owner := ownerID(c)
	st, found, err := h.Store.GetAssignmentState(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "no state for assignment")
	}
	return c.JSON(http.StatusOK, st)
}

// override replaces an assignment's tag set with a hand-curated one and,
// unless the request opts out, pins the state so sweeps cannot overwrite
// it. Labels land in the dictionary; the domain rollup is recomputed right
// away.
func (h *TagsHandler) override(c echo.Context) error {
	owner := ownerID(c)
	assignmentID := c.Param("id")
	ctx := c.Request().Context()

	var req OverrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Tags) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "tags required")
	}

	now := h.Pipeline.Now().UTC()
	aggs := make([]store.AssignmentTagAggregate, 0, len(req.Tags))
	seen := map[string]struct{}{}
	for _, t := range req.Tags {
		label := pipeline.CollapseWhitespace(t.Label)
		if label == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "tag label required")
		}
		if t.Count < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "tag count must be >= 1")
		}
		key := pipeline.NormalizeLabel(label)
		if _, dup := seen[key]; dup {
			return echo.NewHTTPError(http.StatusBadRequest, "duplicate tag label: "+label)
		}
		seen[key] = struct{}{}
		aggs = append(aggs, store.AssignmentTagAggregate{
			TagLabel:    label,
			TagCount:    t.Count,
			Examples:    t.Examples,
			GeneratedAt: now,
			Model:       "manual",
		})
	}
	for _, a := range aggs {
		if _, _, err := h.Store.EnsureActiveTagEntry(ctx, owner, a.TagLabel, pipeline.NormalizeLabel(a.TagLabel)); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	if err := h.Store.ReplaceAssignmentAggregates(ctx, owner, assignmentID, aggs); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	st, _, err := h.Store.GetAssignmentState(ctx, owner, assignmentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	lock := true
	if req.Lock != nil {
		lock = *req.Lock
	}
	st.OwnerID = owner
	st.AssignmentID = assignmentID
	st.Status = store.StateReady
	st.ManualLocked = lock
	st.Dirty = false
	st.LastGeneratedAt = &now
	st.Model = "manual"
	if err := h.Store.UpsertAssignmentState(ctx, st); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	domain, err := h.Store.AssignmentDomain(ctx, owner, assignmentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Pipeline.RollupDomain(ctx, owner, domain); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, aggs)
}

func (h *TagsHandler) unlock(c echo.Context) error {
	owner := ownerID(c)
	if err := h.Pipeline.Unlock(c.Request().Context(), owner, c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *TagsHandler) domainTags(c echo.Context) error {
	owner := ownerID(c)
	domain := pipeline.DomainBucket(c.Param("domain"))
	items, err := h.Store.ListDomainAggregates(c.Request().Context(), owner, domain)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}
