package treatmentplan

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/tenant"
	"github.com/ehr/planflow/internal/platform/workflow"
	"github.com/ehr/planflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/treatment-plans", h.List)
	g.POST("/treatment-plans", h.Create)
	g.GET("/treatment-plans/:id", h.Get)
	g.PUT("/treatment-plans/:id", h.Update)
	g.DELETE("/treatment-plans/:id", h.Delete)
	g.GET("/treatment-plans/:id/history", h.History)
	g.POST("/treatment-plans/:id/submit", h.Submit)
	g.POST("/treatment-plans/:id/approve", h.Approve)
	g.POST("/treatment-plans/:id/reject", h.Reject)
	g.POST("/treatment-plans/:id/activate", h.Activate)
	g.POST("/treatment-plans/:id/revisions", h.Revise)
	g.POST("/treatment-plans/:id/ai-review", h.AIReview)
}

// planRequest extracts the tenant and the :id parameter.
func planRequest(c echo.Context) (tenant.Context, uuid.UUID, error) {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return tenant.Context{}, uuid.Nil, apperror.HTTPError(err)
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return tenant.Context{}, uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid treatment plan id")
	}
	return tc, id, nil
}

func (h *Handler) Create(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.CreatePlan(c.Request().Context(), tc, req)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) List(c echo.Context) error {
	tc, err := tenant.Require(c.Request().Context())
	if err != nil {
		return apperror.HTTPError(err)
	}
	var f ListFilter
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	f.Status = workflow.Status(c.QueryParam("status"))

	pg := pagination.FromContext(c)
	plans, total, err := h.svc.ListPlans(c.Request().Context(), tc, f, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(plans, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPlan(c.Request().Context(), tc, id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Update(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdatePlan(c.Request().Context(), tc, id, req)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Delete(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePlan(c.Request().Context(), tc, id); err != nil {
		return apperror.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) History(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.History(c.Request().Context(), tc, id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": entries})
}

func (h *Handler) Submit(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	p, err := h.svc.SubmitForReview(c.Request().Context(), tc, id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Approve(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Approve(c.Request().Context(), tc, id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.Reject(c.Request().Context(), tc, id, req.Reason)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Activate(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	p, err := h.svc.ActivatePlan(c.Request().Context(), tc, id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Revise(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	p, err := h.svc.CreateRevision(c.Request().Context(), tc, id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) AIReview(c echo.Context) error {
	tc, id, err := planRequest(c)
	if err != nil {
		return err
	}
	res, err := h.svc.RequestAIReview(c.Request().Context(), tc, id)
	if err != nil {
		return apperror.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}
