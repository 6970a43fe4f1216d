package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// IssuerClient calls the identity-proofing issuer.
type IssuerClient struct {
	*Client
}

func NewIssuerClient(baseURL string, opts ...Option) *IssuerClient {
	return &IssuerClient{Client: New(baseURL, opts...)}
}

// TicketResponse is returned by the issuer.
type TicketResponse struct {
	PermissionTicket string `json:"permission_ticket"`
	ExpiresAt        string `json:"expires_at"`
}

func (i *IssuerClient) RequestTicket(ctx context.Context, name, birthDate, clientID string, scopes []string) (*TicketResponse, error) {
	r, err := jsonRequest(http.MethodPost, "/permission-tickets", map[string]interface{}{
		"patient":  map[string]string{"name": name, "birthDate": birthDate},
		"clientId": clientID,
		"scopes":   scopes,
	})
	if err != nil {
		return nil, err
	}
	var out TicketResponse
	if err := i.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SourceClient calls the source-of-record FHIR API.
type SourceClient struct {
	*Client
}

func NewSourceClient(baseURL string, opts ...Option) *SourceClient {
	return &SourceClient{Client: New(baseURL, opts...)}
}

// SystemToken obtains a system-level read token.
func (s *SourceClient) SystemToken(ctx context.Context) (string, error) {
	var tok Token
	if err := s.do(ctx, formRequest("/auth/token", url.Values{"grant_type": {"client_credentials"}}), &tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// FetchResource reads a "Type/id" reference from the FHIR base.
func (s *SourceClient) FetchResource(ctx context.Context, accessToken, reference string) (json.RawMessage, error) {
	r := request{method: http.MethodGet, path: "/fhir/" + strings.TrimPrefix(reference, "/"), bearer: accessToken}
	var raw json.RawMessage
	if err := s.do(ctx, r, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
