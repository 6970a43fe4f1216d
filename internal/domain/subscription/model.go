package subscription

import (
	"errors"
	"time"

	"github.com/ehr/broker/internal/platform/fhir"
)

var (
	ErrMissingPatient  = errors.New("canonical patient id is required")
	ErrInvalidEndpoint = errors.New("invalid channel endpoint")
	ErrPatientMismatch = errors.New("criteria names a patient outside the token's scope")
)

const (
	StatusActive       = "active"
	ChannelRestHook    = "rest-hook"
	PayloadFHIRJSON    = "application/fhir+json"
	subscriptionReason = "Monitor admission events"

	backportPayloadContentURL = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-payload-content"
	backportTopicURL          = "http://hl7.org/fhir/uv/subscriptions-backport/StructureDefinition/backport-topic-canonical"
)

// Subscription is a standing interest in encounter events for one canonical
// patient. Subscriptions are never mutated after creation.
type Subscription struct {
	ID        string
	Patient   string
	Criteria  string
	Endpoint  string
	Status    string
	CreatedAt time.Time
}

// Resource is the FHIR R4 wire form of a Subscription, using the
// subscriptions backport extensions.
type Resource struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	Reason       string           `json:"reason,omitempty"`
	Criteria     string           `json:"criteria"`
	Channel      Channel          `json:"channel"`
	Extension    []fhir.Extension `json:"extension,omitempty"`
	Meta         *fhir.Meta       `json:"meta,omitempty"`
}

type Channel struct {
	Type           string            `json:"type"`
	Endpoint       string            `json:"endpoint,omitempty"`
	Payload        string            `json:"payload,omitempty"`
	PayloadElement *PayloadExtension `json:"_payload,omitempty"`
}

type PayloadExtension struct {
	Extension []fhir.Extension `json:"extension"`
}

func (r *Resource) ResourceKey() (string, string) { return "Subscription", r.ID }

// ToFHIR converts the Subscription to its FHIR resource form.
func (s *Subscription) ToFHIR() *Resource {
	return &Resource{
		ResourceType: "Subscription",
		ID:           s.ID,
		Status:       s.Status,
		Reason:       subscriptionReason,
		Criteria:     s.Criteria,
		Channel: Channel{
			Type:     ChannelRestHook,
			Endpoint: s.Endpoint,
			Payload:  PayloadFHIRJSON,
			PayloadElement: &PayloadExtension{
				Extension: []fhir.Extension{{URL: backportPayloadContentURL, ValueCode: "id-only"}},
			},
		},
		Extension: []fhir.Extension{{URL: backportTopicURL, ValueURI: fhir.EncounterStartTopic}},
		Meta:      &fhir.Meta{VersionID: "1", LastUpdated: s.CreatedAt.UTC().Format(time.RFC3339)},
	}
}
