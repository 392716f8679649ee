package patient

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/tenant"
	"github.com/ehr/planflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/patients", h.List)
	g.GET("/patients/search", h.Search)
	g.POST("/patients", h.Create)
	g.GET("/patients/:id", h.Get)
	g.PUT("/patients/:id", h.Update)
	g.DELETE("/patients/:id", h.Delete)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Create(c.Request().Context(), tc, in)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), tc, id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), tc, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) Search(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	items, err := h.svc.Search(c.Request().Context(), tc, c.QueryParam("last_name"), c.QueryParam("date_of_birth"))
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items})
}

func (h *Handler) Update(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Update(c.Request().Context(), tc, id, in)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Delete(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.Request().Context(), tc, id); err != nil {
		return apperror.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
