package identity

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/broker/internal/platform/fhir"
	"github.com/ehr/broker/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/register-patient", h.RegisterPatient)
	g.GET("/patient-mappings", h.ListMappings)
}

type registerRequest struct {
	SourceID  string `json:"sourceId"`
	Name      string `json:"name"`
	BirthDate string `json:"birthDate"`
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}

	reg, err := h.svc.Register(c.Request().Context(), req.SourceID, req.Name, req.BirthDate)
	switch {
	case errors.Is(err, ErrInvalidDemographics), errors.Is(err, ErrMissingLocalID):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case errors.Is(err, ErrLinkConflict):
		return c.JSON(http.StatusConflict, fhir.NewOperationOutcome("error", "conflict", err.Error()))
	case err != nil:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, reg)
}

// ListMappings returns the local→canonical links. Without paging parameters
// the full list is returned as a bare array.
func (h *Handler) ListMappings(c echo.Context) error {
	mappings := h.svc.Mappings()
	if c.QueryParam("_count") == "" && c.QueryParam("_offset") == "" {
		return c.JSON(http.StatusOK, mappings)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(mappings, pg), len(mappings), pg))
}
