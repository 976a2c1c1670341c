package record

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medxfer/medxfer/internal/domain/hospital"
	"github.com/medxfer/medxfer/internal/platform/auth"
	"github.com/medxfer/medxfer/pkg/pagination"
)

// HospitalDirectory resolves the hospital named in a caller's token to its
// registry entry.
type HospitalDirectory interface {
	Resolve(ctx context.Context, ref string) (*hospital.Hospital, error)
}

type Handler struct {
	svc       *Service
	hospitals HospitalDirectory
	logger    zerolog.Logger
}

func NewHandler(svc *Service, hospitals HospitalDirectory, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, hospitals: hospitals, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/records", auth.RequireRole(auth.RoleDoctor))
	g.POST("", h.CreateRecord)
	g.GET("/mine", h.ListMine)
	g.PUT("/:id", h.UpdateRecord)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "record not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

// caller returns the principal with Hospital replaced by the registry name,
// so records are always owned under one spelling. Callers whose hospital is
// not registered are denied.
func (h *Handler) caller(c echo.Context) (auth.Principal, error) {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	home, err := h.hospitals.Resolve(c.Request().Context(), p.Hospital)
	if errors.Is(err, hospital.ErrNotFound) {
		return p, auth.AccessDenied()
	}
	if err != nil {
		return p, echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
	p.Hospital = home.Name
	return p, nil
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var d Draft
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.caller(c)
	if err != nil {
		return err
	}
	d.TransferredFrom = ""
	rec, err := h.svc.Create(c.Request().Context(), p, d)
	if err != nil {
		return httpError(err)
	}
	v, err := h.svc.Reveal(rec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

// ListMine lists the records held by the caller's hospital.
func (h *Handler) ListMine(c echo.Context) error {
	p, err := h.caller(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	recs, err := h.svc.ListByHospital(c.Request().Context(), p.Hospital, pg.Probe(), pg.Offset)
	if err != nil {
		return httpError(err)
	}
	views := make([]View, 0, len(recs))
	for _, rec := range recs {
		v, err := h.svc.Reveal(rec)
		if err != nil {
			h.logger.Warn().Err(err).Str("record_id", rec.ID.String()).Msg("record does not decrypt")
		}
		views = append(views, v)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(views, pg))
}

type clinicalUpdate struct {
	Diagnosis    string `json:"diagnosis"`
	Prescription string `json:"prescription"`
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body clinicalUpdate
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.caller(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.UpdateClinical(c.Request().Context(), p.Hospital, id, body.Diagnosis, body.Prescription)
	if err != nil {
		return httpError(err)
	}
	v, err := h.svc.Reveal(rec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}
