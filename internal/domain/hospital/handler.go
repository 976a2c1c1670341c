package hospital

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medxfer/medxfer/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/hospitals", auth.RequireRole(auth.RoleDoctor, auth.RoleGovernment))
	g.GET("/targets", h.ListTargets)
}

type targetsResponse struct {
	Hospitals []string `json:"hospitals"`
}

// ListTargets lists the hospitals the caller can transfer records to.
func (h *Handler) ListTargets(c echo.Context) error {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	targets, err := h.svc.ListTargets(c.Request().Context(), p.Hospital)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}
	return c.JSON(http.StatusOK, targetsResponse{Hospitals: names})
}
