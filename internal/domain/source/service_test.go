package source

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ehr/broker/internal/platform/apiclient"
	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/events"
)

type fakeBroker struct {
	registered  []string
	events      []apiclient.Event
	registerErr error
	emitErr     error
}

func (f *fakeBroker) RegisterPatient(_ context.Context, sourceID, _, _ string) (*apiclient.Registration, error) {
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	f.registered = append(f.registered, sourceID)
	return &apiclient.Registration{BrokerID: "broker-abc123", SourceID: sourceID, Created: true}, nil
}

func (f *fakeBroker) EmitEvent(_ context.Context, evt apiclient.Event) (*apiclient.FanoutSummary, error) {
	if f.emitErr != nil {
		return nil, f.emitErr
	}
	f.events = append(f.events, evt)
	return &apiclient.FanoutSummary{Matched: true, Patient: "broker-abc123", Count: 1}, nil
}

func newTestService(broker Broker) (*Service, *events.Recorder) {
	rec := events.NewRecorder(50)
	signer := auth.NewTokenSigner([]byte("source-key"), "mercy-ehr", time.Hour)
	n := 0
	store := NewStore(WithPatientIDGenerator(func() string {
		n++
		return "mercy-" + strconv.Itoa(n)
	}))
	return NewService(store, broker, signer, "http://localhost:3000/mercy-ehr", rec), rec
}

func hasEvent(rec *events.Recorder, t events.Type) bool {
	for _, e := range rec.All() {
		if e.Type == t {
			return true
		}
	}
	return false
}

func TestService_RegisterPatientPropagates(t *testing.T) {
	broker := &fakeBroker{}
	svc, rec := newTestService(broker)

	reg, err := svc.RegisterPatient(context.Background(), "Jane A Doe", "1985-03-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.SourceID != "mercy-1" || reg.BrokerID != "broker-abc123" || !reg.Created {
		t.Errorf("unexpected registration %+v", reg)
	}
	if len(broker.registered) != 1 {
		t.Errorf("expected broker registration, got %v", broker.registered)
	}

	again, _ := svc.RegisterPatient(context.Background(), "Jane A Doe", "1985-03-15")
	if again.Created || again.SourceID != "mercy-1" {
		t.Errorf("expected existing patient, got %+v", again)
	}
	if len(broker.registered) != 1 {
		t.Error("existing patients are not re-propagated")
	}
	if !hasEvent(rec, events.PatientFound) {
		t.Error("expected patient-found event")
	}
}

func TestService_RegisterPatientBrokerDownIsNonFatal(t *testing.T) {
	svc, rec := newTestService(&fakeBroker{registerErr: errors.New("connection refused")})

	reg, err := svc.RegisterPatient(context.Background(), "Jane A Doe", "1985-03-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.SourceID == "" || reg.BrokerID != "" {
		t.Errorf("unexpected registration %+v", reg)
	}
	if !hasEvent(rec, events.EventError) {
		t.Error("expected event-error")
	}
}

func TestService_RegisterPatientValidation(t *testing.T) {
	svc, _ := newTestService(&fakeBroker{})
	if _, err := svc.RegisterPatient(context.Background(), "Jane Doe", ""); !errors.Is(err, ErrInvalidDemographics) {
		t.Errorf("expected ErrInvalidDemographics, got %v", err)
	}
}

func TestService_TriggerEvent(t *testing.T) {
	broker := &fakeBroker{}
	svc, rec := newTestService(broker)

	res, err := svc.TriggerEvent(context.Background(), Demographics{Name: "Jane A Doe", BirthDate: "1985-03-15"}, EncounterOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.EncounterID != "enc-1" || res.SourceID != "mercy-1" || res.Fanout == nil || !res.Fanout.Matched {
		t.Errorf("unexpected result %+v", res)
	}
	if !hasEvent(rec, events.PatientAutoRegistered) || !hasEvent(rec, events.EventSent) {
		t.Error("expected auto-registration and event-sent events")
	}

	if len(broker.events) != 1 {
		t.Fatalf("expected one event, got %d", len(broker.events))
	}
	evt := broker.events[0]
	if evt.Patient != "mercy-1" || evt.Encounter != "Encounter/enc-1" || evt.EventType != "encounter-start" {
		t.Errorf("unexpected event %+v", evt)
	}
	if evt.DataSourceBase != "http://localhost:3000/mercy-ehr" {
		t.Errorf("unexpected data source base %q", evt.DataSourceBase)
	}
}

func TestService_TriggerEventBrokerDown(t *testing.T) {
	svc, rec := newTestService(&fakeBroker{emitErr: errors.New("connection refused")})

	res, err := svc.TriggerEvent(context.Background(), Demographics{Name: "Jane A Doe", BirthDate: "1985-03-15"}, EncounterOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.Error == "" || res.Fanout != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if !hasEvent(rec, events.EventError) {
		t.Error("expected event-error")
	}
}
