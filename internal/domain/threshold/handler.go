package threshold

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/critical"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/admin", auth.RequireRole("lab-director"))
	g.GET("/thresholds", h.List)
	g.GET("/thresholds/:analyteId", h.Get)
	g.PUT("/thresholds/:analyteId", h.Upsert)
}

func (h *Handler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"thresholds": h.svc.List()})
}

func (h *Handler) Get(c echo.Context) error {
	th, ok := h.svc.Get(c.Param("analyteId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no threshold for analyte")
	}
	return c.JSON(http.StatusOK, th)
}

func (h *Handler) Upsert(c echo.Context) error {
	var th critical.Threshold
	if err := c.Bind(&th); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	th.AnalyteID = c.Param("analyteId")
	if err := h.svc.Upsert(th); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, th)
}
