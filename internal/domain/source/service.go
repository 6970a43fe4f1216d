package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/broker/internal/platform/apiclient"
	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/fhir"
)

var ErrInvalidDemographics = errors.New("name and birthDate are required")

const (
	systemClientID = "data-source"
	systemScope    = "system/*.read"
)

// Broker is the part of the broker API the source calls.
type Broker interface {
	RegisterPatient(ctx context.Context, sourceID, name, birthDate string) (*apiclient.Registration, error)
	EmitEvent(ctx context.Context, evt apiclient.Event) (*apiclient.FanoutSummary, error)
}

// Registration is the result of registering a patient at the source.
type Registration struct {
	SourceID string `json:"sourceId"`
	BrokerID string `json:"brokerId,omitempty"`
	Created  bool   `json:"created"`
}

// TriggerResult reports a triggered encounter and what the broker did with it.
type TriggerResult struct {
	OK          bool                     `json:"ok"`
	EncounterID string                   `json:"encounterId"`
	SourceID    string                   `json:"sourceId"`
	Fanout      *apiclient.FanoutSummary `json:"fanout,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// Demographics identify a patient by name and birth date.
type Demographics struct {
	Name      string `json:"name"`
	BirthDate string `json:"birthDate"`
}

// Service is the source-of-record simulator.
type Service struct {
	store   *Store
	broker  Broker
	signer  *auth.TokenSigner
	fhirURL string
	sink    events.Sink
}

// NewService creates the source service. fhirURL is the base subscribers
// fetch resources from and is sent with every event.
func NewService(store *Store, broker Broker, signer *auth.TokenSigner, fhirURL string, sink events.Sink) *Service {
	if sink == nil {
		sink = events.Discard
	}
	return &Service{store: store, broker: broker, signer: signer, fhirURL: fhirURL, sink: sink}
}

func (s *Service) Store() *Store {
	return s.store
}

// RegisterPatient adds a patient to the source MPI, deduplicating on exact
// demographics, and links the local id at the broker. A broker failure is
// recorded but does not fail the registration.
func (s *Service) RegisterPatient(ctx context.Context, name, birthDate string) (Registration, error) {
	name, birthDate = strings.TrimSpace(name), strings.TrimSpace(birthDate)
	if name == "" || birthDate == "" {
		return Registration{}, ErrInvalidDemographics
	}

	entry, created := s.store.FindOrAdd(name, birthDate)
	if !created {
		s.sink.Emit(ctx, events.New(events.PatientFound,
			fmt.Sprintf("Patient %s already registered as %s", name, entry.SourceID)).
			With("sourceId", entry.SourceID))
		return Registration{SourceID: entry.SourceID}, nil
	}

	s.sink.Emit(ctx, events.New(events.PatientRegistered,
		fmt.Sprintf("Registered %s (DOB %s) as %s", name, birthDate, entry.SourceID)).
		With("sourceId", entry.SourceID))

	reg := Registration{SourceID: entry.SourceID, Created: true}
	reg.BrokerID = s.propagate(ctx, entry)
	return reg, nil
}

func (s *Service) propagate(ctx context.Context, entry PatientEntry) string {
	if s.broker == nil {
		return ""
	}
	linked, err := s.broker.RegisterPatient(ctx, entry.SourceID, entry.Name, entry.BirthDate)
	if err != nil {
		s.sink.Emit(ctx, events.New(events.EventError,
			fmt.Sprintf("Failed to register %s with broker: %v", entry.SourceID, err)).
			With("sourceId", entry.SourceID).
			With("error", err.Error()))
		return ""
	}
	return linked.BrokerID
}

// TriggerEvent records a new encounter for the patient described by demo,
// auto-registering unknown patients, and reports it to the broker.
func (s *Service) TriggerEvent(ctx context.Context, demo Demographics, opts EncounterOptions) (TriggerResult, error) {
	name, birthDate := strings.TrimSpace(demo.Name), strings.TrimSpace(demo.BirthDate)
	if name == "" || birthDate == "" {
		return TriggerResult{}, ErrInvalidDemographics
	}

	entry, created := s.store.FindOrAdd(name, birthDate)
	if created {
		s.sink.Emit(ctx, events.New(events.PatientAutoRegistered,
			fmt.Sprintf("Auto-registered %s as %s", name, entry.SourceID)).
			With("sourceId", entry.SourceID))
		s.propagate(ctx, entry)
	}

	enc, ok := s.store.AddEncounter(entry.SourceID, opts)
	if !ok {
		return TriggerResult{}, fmt.Errorf("patient %s disappeared", entry.SourceID)
	}
	s.sink.Emit(ctx, events.New(events.EncounterCreated,
		fmt.Sprintf("Encounter/%s created: %s (%s, %s) for %s",
			enc.ID, opts.encounterType().Text, enc.Class.Display, enc.Status, entry.Name)).
		With("sourceId", entry.SourceID).
		With("resource", enc))

	result := TriggerResult{OK: true, EncounterID: enc.ID, SourceID: entry.SourceID}
	if s.broker == nil {
		return result, nil
	}

	summary, err := s.broker.EmitEvent(ctx, apiclient.Event{
		EventType:      "encounter-start",
		Patient:        entry.SourceID,
		Encounter:      "Encounter/" + enc.ID,
		DataSourceBase: s.fhirURL,
	})
	if err != nil {
		s.sink.Emit(ctx, events.New(events.EventError,
			fmt.Sprintf("Failed to reach broker: %v", err)).
			With("error", err.Error()))
		result.Error = err.Error()
		return result, nil
	}
	s.sink.Emit(ctx, events.New(events.EventSent,
		fmt.Sprintf("Event sent to broker: matched=%t, notified %d", summary.Matched, summary.Count)).
		With("matched", summary.Matched).
		With("count", summary.Count))
	result.Fanout = summary
	return result, nil
}

// IssueSystemToken issues a system-level read token.
func (s *Service) IssueSystemToken(ctx context.Context) (string, error) {
	raw, _, err := s.signer.Issue(systemClientID, "", systemScope)
	if err != nil {
		return "", err
	}
	s.sink.Emit(ctx, events.New(events.TokenIssued, "Access token issued to client").
		With("scope", systemScope))
	return raw, nil
}

// ReadPatient returns the FHIR Patient for a local id.
func (s *Service) ReadPatient(id string) (*fhir.Patient, bool) {
	p, ok := s.store.Patient(id)
	if !ok {
		return nil, false
	}
	return p.Resource, true
}

// ReadEncounter returns a stored Encounter.
func (s *Service) ReadEncounter(ctx context.Context, id string) (*fhir.Encounter, bool) {
	e, ok := s.store.Encounter(id)
	if !ok {
		return nil, false
	}
	s.sink.Emit(ctx, events.New(events.EncounterRead,
		fmt.Sprintf("Encounter/%s read by %s", id, orAnonymous(auth.SubjectFromContext(ctx)))).
		With("encounter", id))
	return e.Encounter, true
}

func orAnonymous(s string) string {
	if s == "" {
		return "client"
	}
	return s
}
