package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/broker/internal/domain/identity"
	"github.com/ehr/broker/internal/domain/subscription"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/webhook"
)

const (
	recentEventLimit    = 50
	recentDeliveryLimit = 50
)

// Sources the broker state view is assembled from.
type (
	PatientDirectory interface {
		Patients() []identity.PatientRecord
		Mappings() []identity.Mapping
	}
	SubscriptionLister interface {
		List() []subscription.Subscription
	}
	DeliveryHistory interface {
		Recent(limit int) []*webhook.DeliveryAttempt
	}
)

type Handler struct {
	patients      PatientDirectory
	subscriptions SubscriptionLister
	deliveries    DeliveryHistory
	recorder      *events.Recorder
}

func NewHandler(patients PatientDirectory, subscriptions SubscriptionLister, deliveries DeliveryHistory, recorder *events.Recorder) *Handler {
	return &Handler{patients: patients, subscriptions: subscriptions, deliveries: deliveries, recorder: recorder}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/admin/state", h.State)
}

type subscriptionView struct {
	ID        string    `json:"id"`
	Patient   string    `json:"patient"`
	Criteria  string    `json:"criteria"`
	Endpoint  string    `json:"endpoint"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type stateResponse struct {
	Patients         []identity.PatientRecord   `json:"patients"`
	Subscriptions    []subscriptionView         `json:"subscriptions"`
	Mappings         []identity.Mapping         `json:"mappings"`
	EventCount       int                        `json:"eventCount"`
	RecentEvents     []events.Event             `json:"recentEvents"`
	RecentDeliveries []*webhook.DeliveryAttempt `json:"recentDeliveries"`
}

// State returns a snapshot of the broker for operators and the demo UI.
// ?events=N narrows the recent event window.
func (h *Handler) State(c echo.Context) error {
	limit := recentEventLimit
	if v := c.QueryParam("events"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	resp := stateResponse{
		Patients:         nonNil(h.patients.Patients()),
		Mappings:         nonNil(h.patients.Mappings()),
		Subscriptions:    make([]subscriptionView, 0),
		RecentEvents:     make([]events.Event, 0),
		RecentDeliveries: nonNil(h.deliveries.Recent(recentDeliveryLimit)),
	}
	for _, s := range h.subscriptions.List() {
		resp.Subscriptions = append(resp.Subscriptions, subscriptionView{
			ID:        s.ID,
			Patient:   s.Patient,
			Criteria:  s.Criteria,
			Endpoint:  s.Endpoint,
			Status:    s.Status,
			CreatedAt: s.CreatedAt,
		})
	}
	if h.recorder != nil {
		resp.EventCount = h.recorder.Len()
		resp.RecentEvents = nonNil(h.recorder.Recent(limit))
	}

	return c.JSON(http.StatusOK, resp)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
