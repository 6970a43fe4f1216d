package ticket

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/fhir"
)

// TokenHandler serves the broker token endpoint.
type TokenHandler struct {
	authority *Authority
}

func NewTokenHandler(authority *Authority) *TokenHandler {
	return &TokenHandler{authority: authority}
}

func (h *TokenHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/auth/token", h.Token)
}

type tokenRequest struct {
	GrantType       string `json:"grant_type" form:"grant_type"`
	ClientAssertion string `json:"client_assertion" form:"client_assertion"`
}

// Token accepts client_assertion as form-urlencoded or JSON.
func (h *TokenHandler) Token(c echo.Context) error {
	var req tokenRequest
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, &auth.OAuthError{
				Code:        auth.ErrCodeInvalidRequest,
				Description: "request body is not valid JSON",
			})
		}
	} else {
		req.GrantType = c.FormValue("grant_type")
		req.ClientAssertion = c.FormValue("client_assertion")
	}

	token, err := h.authority.ExchangeForToken(c.Request().Context(), req.ClientAssertion)
	if err != nil {
		if r, ok := AsRejected(err); ok {
			return c.JSON(http.StatusBadRequest, r.OAuth())
		}
		return c.JSON(http.StatusInternalServerError, &auth.OAuthError{
			Code:        "server_error",
			Description: err.Error(),
		})
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, token)
}

// IssuerHandler serves the identity-proofing issuer.
type IssuerHandler struct {
	issuer *Issuer
}

func NewIssuerHandler(issuer *Issuer) *IssuerHandler {
	return &IssuerHandler{issuer: issuer}
}

func (h *IssuerHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/permission-tickets", h.IssueTicket)
}

type ticketRequest struct {
	Patient  Demographics `json:"patient"`
	ClientID string       `json:"clientId"`
	Scopes   []string     `json:"scopes"`
}

type ticketResponse struct {
	PermissionTicket string `json:"permission_ticket"`
	ExpiresAt        string `json:"expires_at"`
}

func (h *IssuerHandler) IssueTicket(c echo.Context) error {
	var req ticketRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("invalid request body"))
	}
	if req.ClientID == "" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("clientId is required"))
	}

	t, err := h.issuer.IssueTicket(c.Request().Context(), req.Patient, req.ClientID, req.Scopes)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, ticketResponse{
		PermissionTicket: t.Raw,
		ExpiresAt:        t.ExpiresAt.Format(time.RFC3339),
	})
}
