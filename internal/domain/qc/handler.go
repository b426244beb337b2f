package qc

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("lab-tech", "lab-director")

	g := api.Group("", role)
	g.POST("/qc/runs", h.Submit)
	g.GET("/qc/runs/:id", h.Get)
	g.GET("/qc/runs", h.ListByTest)
	g.GET("/qc/limits", h.Limits)
	g.GET("/qc/controls/:testId/:levelId/replacement", h.Replacement)
}

func (h *Handler) Submit(c echo.Context) error {
	var sub Submission
	if err := c.Bind(&sub); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.Submit(c.Request().Context(), sub)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "qc run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListByTest(c echo.Context) error {
	testID := c.QueryParam("test_id")
	if testID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "test_id is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByTest(c.Request().Context(), testID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Limits(c echo.Context) error {
	mean, err := strconv.ParseFloat(c.QueryParam("mean"), 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "mean must be a number")
	}
	sd, err := strconv.ParseFloat(c.QueryParam("sd"), 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "sd must be a number")
	}
	limits, err := h.svc.Limits(mean, sd)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, limits)
}

func (h *Handler) Replacement(c echo.Context) error {
	out, err := h.svc.ReplacementAdvice(c.Request().Context(), c.Param("testId"), c.Param("levelId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}
