package fanout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/broker/internal/platform/fhir"
	"github.com/ehr/broker/internal/platform/webhook"
)

var ErrInvalidEvent = errors.New("invalid clinical event")

// EventKind names the kind of clinical event a source reports.
type EventKind string

const EncounterStart EventKind = "encounter-start"

// No-match reasons.
const (
	ReasonUnmappedPatient = "unmapped-patient"
	ReasonNoSubscribers   = "no-subscribers"
)

// ClinicalEvent is reported by a source system in its own identifier space.
type ClinicalEvent struct {
	Kind           EventKind
	LocalPatientID string
	Resource       string
	SourceBase     string
}

// Validate checks the event carries a local patient id and a Type/id
// resource reference.
func (e ClinicalEvent) Validate() error {
	if strings.TrimSpace(e.LocalPatientID) == "" {
		return fmt.Errorf("%w: patient is required", ErrInvalidEvent)
	}
	if _, _, ok := fhir.SplitReference(e.Resource); !ok {
		return fmt.Errorf("%w: resource must be a Type/id reference, got %q", ErrInvalidEvent, e.Resource)
	}
	return nil
}

// Result reports what an ingest did. Deliveries are in subscription order.
type Result struct {
	Matched    bool                       `json:"matched"`
	Reason     string                     `json:"reason,omitempty"`
	Patient    string                     `json:"patient,omitempty"`
	Count      int                        `json:"count"`
	Deliveries []*webhook.DeliveryAttempt `json:"deliveries,omitempty"`
}

// NoMatch builds a Result for an event that produced no deliveries.
func NoMatch(reason string) Result {
	return Result{Matched: false, Reason: reason}
}

// Delivered counts successful attempts.
func (r Result) Delivered() int {
	n := 0
	for _, d := range r.Deliveries {
		if d != nil && d.Succeeded() {
			n++
		}
	}
	return n
}
