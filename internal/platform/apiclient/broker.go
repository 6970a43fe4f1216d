package apiclient

import (
	"context"
	"net/http"
	"net/url"
)

// Registration mirrors the broker's register-patient response.
type Registration struct {
	BrokerID string `json:"brokerId"`
	SourceID string `json:"sourceId"`
	Created  bool   `json:"created"`
}

// Event is the body of the broker's internal event endpoint.
type Event struct {
	EventType      string `json:"eventType"`
	Patient        string `json:"patient"`
	Encounter      string `json:"encounter,omitempty"`
	Resource       string `json:"resource,omitempty"`
	DataSourceBase string `json:"dataSourceBase,omitempty"`
}

// FanoutSummary is the part of the broker's ingest result callers use.
type FanoutSummary struct {
	Matched    bool              `json:"matched"`
	Reason     string            `json:"reason,omitempty"`
	Patient    string            `json:"patient,omitempty"`
	Count      int               `json:"count"`
	Deliveries []DeliverySummary `json:"deliveries,omitempty"`
}

type DeliverySummary struct {
	SubscriptionID string `json:"subscriptionId"`
	Status         string `json:"status"`
	StatusCode     int    `json:"statusCode,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Token is an OAuth token response.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Patient     string `json:"patient,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// Subscription is the subset of a FHIR Subscription the client keeps.
type Subscription struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Status       string `json:"status"`
	Criteria     string `json:"criteria"`
	Channel      struct {
		Type     string `json:"type"`
		Endpoint string `json:"endpoint"`
	} `json:"channel"`
}

// BrokerClient calls the broker service.
type BrokerClient struct {
	*Client
}

func NewBrokerClient(baseURL string, opts ...Option) *BrokerClient {
	return &BrokerClient{Client: New(baseURL, opts...)}
}

func (b *BrokerClient) RegisterPatient(ctx context.Context, sourceID, name, birthDate string) (*Registration, error) {
	r, err := jsonRequest(http.MethodPost, "/register-patient", map[string]string{
		"sourceId":  sourceID,
		"name":      name,
		"birthDate": birthDate,
	})
	if err != nil {
		return nil, err
	}
	var reg Registration
	if err := b.do(ctx, r, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (b *BrokerClient) EmitEvent(ctx context.Context, evt Event) (*FanoutSummary, error) {
	r, err := jsonRequest(http.MethodPost, "/internal/event", evt)
	if err != nil {
		return nil, err
	}
	var out FanoutSummary
	if err := b.do(ctx, r, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeToken presents a client assertion at the token endpoint.
func (b *BrokerClient) ExchangeToken(ctx context.Context, clientAssertion string) (*Token, error) {
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {clientAssertion},
	}
	var tok Token
	if err := b.do(ctx, formRequest("/auth/token", form), &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// CreateSubscription subscribes to encounters for patient on behalf of the
// holder of accessToken.
func (b *BrokerClient) CreateSubscription(ctx context.Context, accessToken, patient, endpoint string) (*Subscription, error) {
	r, err := jsonRequest(http.MethodPost, "/fhir/Subscription", map[string]interface{}{
		"resourceType": "Subscription",
		"status":       "requested",
		"reason":       "Monitor admission events",
		"criteria":     "Encounter?patient=Patient/" + patient,
		"channel": map[string]string{
			"type":     "rest-hook",
			"endpoint": endpoint,
			"payload":  "application/fhir+json",
		},
	})
	if err != nil {
		return nil, err
	}
	r.bearer = accessToken
	var sub Subscription
	if err := b.do(ctx, r, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
