package notification

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/tenant"
	"github.com/ehr/planflow/pkg/pagination"
)

// Handler serves the signed-in user's inbox.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.List)
	g.POST("/notifications/:id/read", h.MarkRead)
}

func (h *Handler) List(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	p := pagination.FromContext(c)
	unread := c.QueryParam("unread") == "true"

	items, err := h.store.ListForUser(c.Request().Context(), tc.OrganizationID(), tc.UserID(), unread, p.Limit)
	if err != nil {
		return apperror.HTTPError(err)
	}
	if items == nil {
		items = []Notification{}
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items})
}

func (h *Handler) MarkRead(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid notification id")
	}
	if err := h.store.MarkRead(c.Request().Context(), tc.OrganizationID(), tc.UserID(), id, time.Now().UTC()); err != nil {
		return apperror.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
