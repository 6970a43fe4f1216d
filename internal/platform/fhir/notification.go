package fhir

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the first entry of a subscription-notification
// Bundle (subscriptions backport, id-only payload).
type SubscriptionStatus struct {
	ResourceType                 string              `json:"resourceType"`
	Status                       string              `json:"status"`
	Type                         string              `json:"type"`
	EventsSinceSubscriptionStart string              `json:"eventsSinceSubscriptionStart"`
	Subscription                 Reference           `json:"subscription"`
	Topic                        string              `json:"topic,omitempty"`
	NotificationEvent            []NotificationEvent `json:"notificationEvent"`
}

type NotificationEvent struct {
	EventNumber string    `json:"eventNumber"`
	Timestamp   string    `json:"timestamp,omitempty"`
	Focus       Reference `json:"focus"`
}

// EncounterStartTopic is the topic canonical every subscription listens on.
const EncounterStartTopic = "http://example.org/fhir/SubscriptionTopic/encounter-start"

// NewNotificationBundle builds the event-notification Bundle delivered to a
// subscriber for one event. eventNumber counts events for the subscription.
func NewNotificationBundle(subscriptionID, focusRef string, eventNumber uint64, at time.Time) *Bundle {
	n := strconv.FormatUint(eventNumber, 10)
	ts := at.UTC().Format(time.RFC3339)

	status := SubscriptionStatus{
		ResourceType:                 "SubscriptionStatus",
		Status:                       "active",
		Type:                         "event-notification",
		EventsSinceSubscriptionStart: n,
		Subscription:                 Reference{Reference: "Subscription/" + subscriptionID},
		Topic:                        EncounterStartTopic,
		NotificationEvent: []NotificationEvent{
			{EventNumber: n, Timestamp: ts, Focus: Reference{Reference: focusRef}},
		},
	}
	raw, _ := json.Marshal(status)

	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "subscription-notification",
		Timestamp:    ts,
		Entry: []BundleEntry{
			{FullURL: "urn:uuid:" + uuid.NewString(), Resource: raw},
		},
	}
}

// NotificationStatus extracts the SubscriptionStatus entry from a received
// notification Bundle.
func NotificationStatus(b *Bundle) (*SubscriptionStatus, bool) {
	if b == nil || b.Type != "subscription-notification" || len(b.Entry) == 0 {
		return nil, false
	}
	var status SubscriptionStatus
	if err := json.Unmarshal(b.Entry[0].Resource, &status); err != nil {
		return nil, false
	}
	if status.ResourceType != "SubscriptionStatus" {
		return nil, false
	}
	return &status, true
}
