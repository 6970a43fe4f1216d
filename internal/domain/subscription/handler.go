package subscription

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/fhir"
	"github.com/ehr/broker/pkg/pagination"
)

// Handler provides the FHIR Subscription endpoints of the broker.
type Handler struct {
	svc     *Service
	signer  *auth.TokenSigner
	baseURL string
}

// NewHandler creates a subscription handler. signer verifies the bearer
// tokens presented on create; baseURL is the public FHIR base used for
// Location headers and bundle fullUrls.
func NewHandler(svc *Service, signer *auth.TokenSigner, baseURL string) *Handler {
	return &Handler{svc: svc, signer: signer, baseURL: baseURL}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/fhir/Subscription", h.CreateSubscriptionFHIR, auth.BearerMiddleware(h.signer))
	g.GET("/fhir/Subscription", h.SearchSubscriptionsFHIR)
	g.GET("/fhir/Subscription/:id", h.GetSubscriptionFHIR)
}

type createRequest struct {
	ResourceType string `json:"resourceType"`
	Criteria     string `json:"criteria"`
	Channel      struct {
		Type     string `json:"type"`
		Endpoint string `json:"endpoint"`
	} `json:"channel"`
}

// CreateSubscriptionFHIR registers a subscription for the patient bound to
// the caller's access token.
func (h *Handler) CreateSubscriptionFHIR(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}
	if req.ResourceType != "" && req.ResourceType != "Subscription" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resourceType must be Subscription"))
	}

	patient := auth.PatientFromContext(c.Request().Context())
	if patient == "" {
		return c.JSON(http.StatusForbidden, fhir.ForbiddenOutcome("access token is not bound to a patient"))
	}

	if req.Criteria != "" {
		resourceType, _ := fhir.ParseCriteria(req.Criteria)
		if resourceType != "Encounter" {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("only Encounter criteria are supported"))
		}
		if named := fhir.CriteriaPatient(req.Criteria); named != "" && named != patient {
			return c.JSON(http.StatusForbidden, fhir.ForbiddenOutcome(ErrPatientMismatch.Error()))
		}
	}
	if req.Channel.Type != "" && req.Channel.Type != ChannelRestHook {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("channel.type must be rest-hook"))
	}

	sub, err := h.svc.Create(c.Request().Context(), patient, req.Channel.Endpoint)
	switch {
	case errors.Is(err, ErrInvalidEndpoint), errors.Is(err, ErrMissingPatient):
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	case err != nil:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}

	c.Response().Header().Set("Location", h.baseURL+"/Subscription/"+sub.ID)
	return c.JSON(http.StatusCreated, sub.ToFHIR())
}

func (h *Handler) GetSubscriptionFHIR(c echo.Context) error {
	sub, ok := h.svc.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Subscription", c.Param("id")))
	}
	return c.JSON(http.StatusOK, sub.ToFHIR())
}

// SearchSubscriptionsFHIR lists subscriptions in creation order as a
// searchset Bundle.
func (h *Handler) SearchSubscriptionsFHIR(c echo.Context) error {
	pg := pagination.FromContext(c)
	all := h.svc.List()
	if patient := c.QueryParam("patient"); patient != "" {
		filtered := all[:0:0]
		for _, s := range all {
			if s.Patient == patient {
				filtered = append(filtered, s)
			}
		}
		all = filtered
	}

	page := pagination.Page(all, pg)
	resources := make([]fhir.Identified, 0, len(page))
	for i := range page {
		resources = append(resources, page[i].ToFHIR())
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, len(all), h.baseURL+"/Subscription", pg))
}
