package credential

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/tenant"
	"github.com/ehr/planflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes mounts routes that need no identity.
func (h *Handler) RegisterPublicRoutes(g *echo.Group) {
	g.POST("/auth/login", h.Login)
	g.POST("/auth/password-reset", h.RequestReset)
	g.POST("/auth/password-reset/complete", h.CompleteReset)
}

// RegisterIdentityRoutes mounts routes that need a bearer token but no
// organization.
func (h *Handler) RegisterIdentityRoutes(g *echo.Group) {
	g.POST("/auth/logout", h.Logout)
	g.POST("/auth/password", h.ChangePassword)
}

// RegisterRoutes mounts routes that run behind the tenant middleware.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/staff", h.ListStaff)
	g.POST("/staff", h.CreateStaff)
	g.PUT("/staff/:id", h.ModifyStaff)
	g.POST("/staff/:id/deactivate", h.DeactivateStaff)
	g.POST("/staff/:id/reset-password", h.ResetPassword)
}

func loginError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrAccountLocked):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	}
	return apperror.HTTPError(err)
}

func (h *Handler) Login(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Authenticate(c.Request().Context(), req)
	if err != nil {
		return loginError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type resetRequest struct {
	Email string `json:"email"`
}

// RequestReset answers identically whether or not the email is known.
func (h *Handler) RequestReset(c echo.Context) error {
	var req resetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	h.svc.RequestPasswordReset(c.Request().Context(), req.Email)
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) CompleteReset(c echo.Context) error {
	var req CompleteResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CompletePasswordReset(c.Request().Context(), req); err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) Logout(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	h.svc.Logout(c.Request().Context(), id)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ChangePassword(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var req ChangePasswordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ChangePassword(c.Request().Context(), id, req); err != nil {
		return apperror.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListStaff(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	pg := pagination.FromContext(c)
	staff, total, err := h.svc.ListStaff(c.Request().Context(), tc, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(staff, total, pg))
}

func (h *Handler) CreateStaff(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	var req CreateStaffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	m, err := h.svc.CreateStaff(c.Request().Context(), tc, req)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

// staffRequest extracts the tenant and the :id parameter.
func staffRequest(c echo.Context) (tenant.Context, uuid.UUID, error) {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return tenant.Context{}, uuid.Nil, apperror.HTTPError(err)
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return tenant.Context{}, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	return tc, id, nil
}

func (h *Handler) ModifyStaff(c echo.Context) error {
	tc, id, err := staffRequest(c)
	if err != nil {
		return err
	}
	var req ModifyStaffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.ModifyStaff(c.Request().Context(), tc, id, req); err != nil {
		return apperror.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeactivateStaff(c echo.Context) error {
	tc, id, err := staffRequest(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeactivateStaff(c.Request().Context(), tc, id); err != nil {
		return apperror.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ResetPassword(c echo.Context) error {
	tc, id, err := staffRequest(c)
	if err != nil {
		return err
	}
	if err := h.svc.ResetPassword(c.Request().Context(), tc, id); err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}
