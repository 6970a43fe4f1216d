package fanout

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/broker/internal/platform/fhir"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/internal/event", h.IngestEvent)
}

type eventRequest struct {
	EventType      string `json:"eventType"`
	Patient        string `json:"patient"`
	Encounter      string `json:"encounter"`
	Resource       string `json:"resource"`
	DataSourceBase string `json:"dataSourceBase"`
}

// IngestEvent accepts a source event. "encounter" is the legacy name of the
// resource reference and is used when "resource" is absent.
func (h *Handler) IngestEvent(c echo.Context) error {
	var req eventRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}

	resource := req.Resource
	if resource == "" {
		resource = req.Encounter
	}
	result, err := h.engine.Ingest(c.Request().Context(), ClinicalEvent{
		Kind:           EventKind(req.EventType),
		LocalPatientID: req.Patient,
		Resource:       resource,
		SourceBase:     req.DataSourceBase,
	})
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case err != nil:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, result)
}
