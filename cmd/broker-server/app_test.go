package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/broker/internal/config"
	"github.com/ehr/broker/internal/platform/apiclient"
	"github.com/ehr/broker/internal/platform/fhir"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:               "test",
		CORSOrigins:       []string{"*"},
		BrokerSigningKey:  config.DevBrokerSigningKey,
		SourceSigningKey:  config.DevSourceSigningKey,
		AccessTokenTTL:    time.Hour,
		AssertionTTL:      5 * time.Minute,
		TicketTTL:         time.Hour,
		TicketIssuer:      "https://identity-provider.example.org",
		NetworkAudience:   "https://cms-network.example.org",
		ClientID:          "https://ias-client.example.com",
		DeliveryTimeout:   5 * time.Second,
		FanoutConcurrency: 4,
		EventLogSize:      200,
		BodyLimit:         "1M",
	}
}

func TestEndToEnd_NotificationReachesClient(t *testing.T) {
	cfg := testConfig()
	a, stop, err := startEphemeral(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	res, err := runScenario(context.Background(), cfg)
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}

	brokerID := res.Registration.BrokerID
	if !strings.HasPrefix(brokerID, "broker-") {
		t.Fatalf("unexpected broker id %q", brokerID)
	}
	if res.Session.Token == nil {
		t.Fatalf("client has no token: %s", res.Session.Error)
	}
	if len(res.Session.Subscriptions) != 1 {
		t.Fatalf("expected one subscription, got %d", len(res.Session.Subscriptions))
	}

	fan := res.Trigger.Fanout
	if fan == nil || !fan.Matched || fan.Patient != brokerID || fan.Count != 1 {
		t.Fatalf("unexpected fanout %+v", fan)
	}
	if fan.Deliveries[0].Status != "success" || fan.Deliveries[0].StatusCode != http.StatusOK {
		t.Errorf("unexpected delivery %+v", fan.Deliveries[0])
	}

	if len(res.Received.Notifications) != 1 {
		t.Fatalf("expected one notification at client, got %d", len(res.Received.Notifications))
	}
	var bundle fhir.Bundle
	if err := json.Unmarshal(res.Received.Notifications[0].Bundle, &bundle); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	status, ok := fhir.NotificationStatus(&bundle)
	if !ok {
		t.Fatal("notification has no SubscriptionStatus")
	}
	if status.NotificationEvent[0].Focus.Reference != "Encounter/"+res.Trigger.EncounterID {
		t.Errorf("focus = %q, want Encounter/%s", status.NotificationEvent[0].Focus.Reference, res.Trigger.EncounterID)
	}
	if len(res.Received.Encounters) != 1 {
		t.Fatalf("expected fetched encounter, got %d", len(res.Received.Encounters))
	}

	state := a.engine.DeliveryLog().Recent(0)
	if len(state) != 1 || !state[0].Succeeded() {
		t.Errorf("unexpected delivery log %+v", state)
	}
}

func TestEndToEnd_UnknownPatientRejected(t *testing.T) {
	cfg := testConfig()
	_, stop, err := startEphemeral(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	clientAPI := apiclient.New(cfg.ServiceURL(config.ServiceClient))
	var view struct {
		Token *json.RawMessage `json:"token"`
		Error string           `json:"error"`
	}
	body := map[string]map[string]string{"patient": {"name": "John Q Public", "birthDate": "1970-01-01"}}
	err = clientAPI.PostJSON(context.Background(), "/quick-auth", body, &view)
	if err == nil && view.Token != nil {
		t.Fatal("expected no token for an unregistered patient")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	cfg := testConfig()
	_, stop, err := startEphemeral(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	resp, err := http.Get(cfg.BaseURL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on response")
	}

	resp, err = http.Get(cfg.BaseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status %d", resp.StatusCode)
	}
}

func TestBrokerAdminState(t *testing.T) {
	cfg := testConfig()
	_, stop, err := startEphemeral(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	if _, err := runScenario(context.Background(), cfg); err != nil {
		t.Fatalf("scenario: %v", err)
	}

	var state struct {
		Patients         []json.RawMessage `json:"patients"`
		Subscriptions    []json.RawMessage `json:"subscriptions"`
		Mappings         []json.RawMessage `json:"mappings"`
		EventCount       int               `json:"eventCount"`
		RecentDeliveries []json.RawMessage `json:"recentDeliveries"`
	}
	brokerAPI := apiclient.New(cfg.ServiceURL(config.ServiceBroker))
	if err := brokerAPI.GetJSON(context.Background(), "/admin/state", &state); err != nil {
		t.Fatalf("admin state: %v", err)
	}
	if len(state.Patients) != 1 || len(state.Mappings) != 1 || len(state.Subscriptions) != 1 {
		t.Errorf("unexpected state: %d patients, %d mappings, %d subscriptions",
			len(state.Patients), len(state.Mappings), len(state.Subscriptions))
	}
	if state.EventCount == 0 {
		t.Error("expected broker events to be recorded")
	}
	if len(state.RecentDeliveries) != 1 {
		t.Errorf("expected one delivery, got %d", len(state.RecentDeliveries))
	}
}
