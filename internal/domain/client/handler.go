package client

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/broker/internal/platform/fhir"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/quick-auth", h.QuickAuth)
	g.POST("/notifications", h.Notifications)
	g.GET("/state", h.State)
}

type quickAuthRequest struct {
	Patient Demographics `json:"patient"`
}

func (h *Handler) QuickAuth(c echo.Context) error {
	var req quickAuthRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}
	view, err := h.svc.QuickAuth(c.Request().Context(), req.Patient)
	if errors.Is(err, ErrInvalidDemographics) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, view)
}

// Notifications is the rest-hook endpoint the broker delivers to.
func (h *Handler) Notifications(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("cannot read body"))
	}
	receipt, err := h.svc.ReceiveNotification(c.Request().Context(), raw)
	if errors.Is(err, ErrInvalidNotification) {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, receipt)
}

// State returns the session for name and birthDate, or a summary of all
// sessions when none matches.
func (h *Handler) State(c echo.Context) error {
	demo := Demographics{Name: c.QueryParam("name"), BirthDate: c.QueryParam("birthDate")}
	if demo.Name != "" && demo.BirthDate != "" {
		if sess, ok := h.svc.Sessions().Get(demo); ok {
			return c.JSON(http.StatusOK, h.svc.Sessions().View(sess))
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": h.svc.Sessions().Summaries()})
}
