package organization

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/tenant"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes mounts routes that need no identity.
func (h *Handler) RegisterPublicRoutes(g *echo.Group) {
	g.POST("/signup", h.Signup)
}

// RegisterRoutes mounts routes that run behind the tenant middleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/organization", h.GetCurrent)
	g.PUT("/organization/features/:name", h.SetFeature)
}

func (h *Handler) Signup(c echo.Context) error {
	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Signup(c.Request().Context(), req)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetCurrent(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	org, err := h.svc.Current(c.Request().Context(), tc)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, org)
}

type featureRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) SetFeature(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	var req featureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.SetFeature(c.Request().Context(), tc, c.Param("name"), req.Enabled); err != nil {
		return apperror.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
