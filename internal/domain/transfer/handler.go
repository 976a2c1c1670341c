package transfer

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medxfer/medxfer/internal/domain/auditlog"
	"github.com/medxfer/medxfer/internal/platform/auth"
	"github.com/medxfer/medxfer/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/transfer")

	doctor := g.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/execute", h.Execute)
	doctor.POST("/execute-batch", h.ExecuteBatch)
	doctor.GET("/my-inbox", h.MyInbox)
	doctor.POST("/accept", h.Accept)
	doctor.POST("/decrypt-record", h.DecryptRecord)

	gov := g.Group("", auth.RequireRole(auth.RoleGovernment))
	gov.GET("/audit-logs", h.AuditLogs)
	gov.GET("/audit-logs/verify", h.VerifyAuditLogs)
	gov.GET("/inbox/:hospital", h.HospitalInbox)
}

// httpError maps service errors onto responses. Unexpected errors keep
// their detail for the request log only.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return auth.AccessDenied()
	case errors.Is(err, ErrDecryption):
		return echo.NewHTTPError(http.StatusInternalServerError, "decryption error").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func principal(c echo.Context) auth.Principal {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	return p
}

type executeRequest struct {
	RecordID       string `json:"recordId"`
	TargetHospital string `json:"targetHospital"`
}

func (h *Handler) Execute(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RecordID == "" || req.TargetHospital == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recordId and targetHospital are required")
	}
	pkt, err := h.svc.TransferSingle(c.Request().Context(), req.RecordID, req.TargetHospital, principal(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pkt)
}

type batchRequest struct {
	RecordIDs      []string `json:"recordIds"`
	TargetHospital string   `json:"targetHospital"`
}

func (h *Handler) ExecuteBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TargetHospital == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "targetHospital is required")
	}
	res, err := h.svc.TransferBatch(c.Request().Context(), req.RecordIDs, req.TargetHospital, principal(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) MyInbox(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.ListInbox(c.Request().Context(), principal(c), pg.Probe(), pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, pg))
}

func (h *Handler) HospitalInbox(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.ListInboxFor(c.Request().Context(), principal(c), c.Param("hospital"), pg.Probe(), pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, pg))
}

type inboxRequest struct {
	InboxID string `json:"inboxId"`
}

func (r *inboxRequest) bind(c echo.Context) error {
	if err := c.Bind(r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if r.InboxID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "inboxId is required")
	}
	return nil
}

type acceptResponse struct {
	Status      string `json:"status"`
	NewRecordID string `json:"newRecordId"`
}

func (h *Handler) Accept(c echo.Context) error {
	var req inboxRequest
	if err := req.bind(c); err != nil {
		return err
	}
	id, err := h.svc.Accept(c.Request().Context(), req.InboxID, principal(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, acceptResponse{Status: "accepted", NewRecordID: id.String()})
}

func (h *Handler) DecryptRecord(c echo.Context) error {
	var req inboxRequest
	if err := req.bind(c); err != nil {
		return err
	}
	out, err := h.svc.Decrypt(c.Request().Context(), req.InboxID, principal(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) AuditLogs(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, err := h.svc.AuditLogs(c.Request().Context(), principal(c), pg.Probe(), pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(entries, pg))
}

type verifyResponse struct {
	Checked int    `json:"checked"`
	Intact  bool   `json:"intact"`
	Detail  string `json:"detail,omitempty"`
}

func (h *Handler) VerifyAuditLogs(c echo.Context) error {
	pg := pagination.FromContext(c)
	n, err := h.svc.VerifyAuditChain(c.Request().Context(), principal(c), pg.Limit)
	if errors.Is(err, auditlog.ErrBrokenChain) {
		return c.JSON(http.StatusOK, verifyResponse{Checked: n, Detail: err.Error()})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, verifyResponse{Checked: n, Intact: true})
}
