package source

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/fhir"
)

const recentEventLimit = 50

type Handler struct {
	svc      *Service
	signer   *auth.TokenSigner
	recorder *events.Recorder
}

func NewHandler(svc *Service, signer *auth.TokenSigner, recorder *events.Recorder) *Handler {
	return &Handler{svc: svc, signer: signer, recorder: recorder}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/register-patient", h.RegisterPatient)
	g.POST("/trigger-event", h.TriggerEvent)
	g.POST("/auth/token", h.Token)
	g.GET("/admin/state", h.AdminState)

	fhirGroup := g.Group("/fhir", auth.BearerMiddleware(h.signer))
	fhirGroup.GET("/Patient/:id", h.ReadPatient)
	fhirGroup.GET("/Encounter/:id", h.ReadEncounter)
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req Demographics
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}
	reg, err := h.svc.RegisterPatient(c.Request().Context(), req.Name, req.BirthDate)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, reg)
}

type triggerRequest struct {
	Patient          Demographics     `json:"patient"`
	EncounterOptions EncounterOptions `json:"encounterOptions"`
}

func (h *Handler) TriggerEvent(c echo.Context) error {
	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}
	res, err := h.svc.TriggerEvent(c.Request().Context(), req.Patient, req.EncounterOptions)
	switch {
	case errors.Is(err, ErrInvalidDemographics):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case err != nil:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, res)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

func (h *Handler) Token(c echo.Context) error {
	raw, err := h.svc.IssueSystemToken(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, &auth.OAuthError{Code: "server_error", Description: err.Error()})
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken: raw,
		TokenType:   "bearer",
		ExpiresIn:   int(h.signer.Lifetime().Seconds()),
		Scope:       systemScope,
	})
}

func (h *Handler) ReadPatient(c echo.Context) error {
	p, ok := h.svc.ReadPatient(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Patient", c.Param("id")))
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ReadEncounter(c echo.Context) error {
	enc, ok := h.svc.ReadEncounter(c.Request().Context(), c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Encounter", c.Param("id")))
	}
	return c.JSON(http.StatusOK, enc)
}

type patientView struct {
	PatientEntry
	EncounterCount int `json:"encounterCount"`
}

type encounterView struct {
	ID            string `json:"id"`
	SourceID      string `json:"sourceId"`
	Patient       string `json:"patient,omitempty"`
	Status        string `json:"status"`
	ClassCode     string `json:"classCode"`
	ClassDisplay  string `json:"classDisplay"`
	TypeDisplay   string `json:"typeDisplay,omitempty"`
	ReasonDisplay string `json:"reasonDisplay,omitempty"`
	PeriodStart   string `json:"periodStart,omitempty"`
}

// AdminState returns the source MPI, its encounters and recent events.
func (h *Handler) AdminState(c echo.Context) error {
	store := h.svc.Store()

	patients := make([]patientView, 0)
	for _, p := range store.Patients() {
		patients = append(patients, patientView{PatientEntry: p, EncounterCount: store.EncounterCount(p.SourceID)})
	}

	encounters := make([]encounterView, 0)
	for _, e := range store.Encounters() {
		enc := e.Encounter
		v := encounterView{
			ID:           enc.ID,
			SourceID:     e.SourceID,
			Status:       enc.Status,
			ClassCode:    enc.Class.Code,
			ClassDisplay: enc.Class.Display,
		}
		if p, ok := store.Patient(e.SourceID); ok {
			v.Patient = p.Name
		}
		if len(enc.Type) > 0 && len(enc.Type[0].Coding) > 0 {
			v.TypeDisplay = enc.Type[0].Coding[0].Display
		}
		if len(enc.ReasonCode) > 0 && len(enc.ReasonCode[0].Coding) > 0 {
			v.ReasonDisplay = enc.ReasonCode[0].Coding[0].Display
		}
		if enc.Period != nil {
			v.PeriodStart = enc.Period.Start
		}
		encounters = append(encounters, v)
	}

	state := map[string]interface{}{
		"patients":   patients,
		"encounters": encounters,
	}
	if h.recorder != nil {
		state["eventCount"] = h.recorder.Len()
		state["recentEvents"] = h.recorder.Recent(recentEventLimit)
	}
	return c.JSON(http.StatusOK, state)
}
