package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/broker/internal/domain/identity"
	"github.com/ehr/broker/internal/domain/subscription"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/webhook"
)

type decodedState struct {
	Patients      []identity.PatientRecord `json:"patients"`
	Subscriptions []struct {
		ID       string `json:"id"`
		Patient  string `json:"patient"`
		Criteria string `json:"criteria"`
		Endpoint string `json:"endpoint"`
	} `json:"subscriptions"`
	Mappings         []identity.Mapping         `json:"mappings"`
	EventCount       int                        `json:"eventCount"`
	RecentEvents     []events.Event             `json:"recentEvents"`
	RecentDeliveries []*webhook.DeliveryAttempt `json:"recentDeliveries"`
}

func getState(t *testing.T, h *Handler, query string) decodedState {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/admin/state"+query, nil)
	rec := httptest.NewRecorder()
	if err := h.State(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out decodedState
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestState_Empty(t *testing.T) {
	h := NewHandler(identity.NewLedger(), subscription.NewRegistry(), webhook.NewLog(10), events.NewRecorder(10))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/admin/state", nil)
	rec := httptest.NewRecorder()
	if err := h.State(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"patients", "subscriptions", "mappings", "recentEvents", "recentDeliveries"} {
		if string(raw[key]) != "[]" {
			t.Errorf("%s = %s, want []", key, raw[key])
		}
	}
	if string(raw["eventCount"]) != "0" {
		t.Errorf("eventCount = %s, want 0", raw["eventCount"])
	}
}

func TestState_Populated(t *testing.T) {
	ledger := identity.NewLedger()
	reg, err := ledger.Register("mercy-1", "Jane A Doe", "1985-03-15")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	registry := subscription.NewRegistry()
	sub := registry.Create(reg.CanonicalID, "http://client.example/notifications")

	log := webhook.NewLog(10)
	log.Record(context.Background(), &webhook.DeliveryAttempt{ID: "d1", SubscriptionID: sub.ID, Status: webhook.StatusSuccess, StatusCode: 200})

	recorder := events.NewRecorder(100)
	for i := 0; i < 60; i++ {
		recorder.Emit(context.Background(), events.New(events.NotificationDelivered, "sent"))
	}

	state := getState(t, NewHandler(ledger, registry, log, recorder), "")

	if len(state.Patients) != 1 || state.Patients[0].CanonicalID != reg.CanonicalID {
		t.Errorf("unexpected patients %+v", state.Patients)
	}
	if len(state.Mappings) != 1 || state.Mappings[0].Source != "mercy-1" {
		t.Errorf("unexpected mappings %+v", state.Mappings)
	}
	if len(state.Subscriptions) != 1 || state.Subscriptions[0].ID != sub.ID || state.Subscriptions[0].Criteria != sub.Criteria {
		t.Errorf("unexpected subscriptions %+v", state.Subscriptions)
	}
	if state.EventCount != 60 {
		t.Errorf("eventCount = %d, want 60", state.EventCount)
	}
	if len(state.RecentEvents) != recentEventLimit {
		t.Errorf("recentEvents = %d, want %d", len(state.RecentEvents), recentEventLimit)
	}
	if len(state.RecentDeliveries) != 1 || state.RecentDeliveries[0].ID != "d1" {
		t.Errorf("unexpected deliveries %+v", state.RecentDeliveries)
	}

	narrowed := getState(t, NewHandler(ledger, registry, log, recorder), "?events=5")
	if len(narrowed.RecentEvents) != 5 {
		t.Errorf("recentEvents with events=5 = %d, want 5", len(narrowed.RecentEvents))
	}
}
