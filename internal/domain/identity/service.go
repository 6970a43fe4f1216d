package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/metrics"
)

// Service wraps the Ledger with the observability side effects of
// registration.
type Service struct {
	ledger  *Ledger
	sink    events.Sink
	metrics *metrics.Metrics
}

func NewService(ledger *Ledger, sink events.Sink, m *metrics.Metrics) *Service {
	if sink == nil {
		sink = events.Discard
	}
	return &Service{ledger: ledger, sink: sink, metrics: m}
}

// Ledger exposes the underlying store to the components that resolve
// identities.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Register links localID to a canonical patient. An empty localID is
// replaced by a generated "local-" identifier.
func (s *Service) Register(ctx context.Context, localID, name, birthDate string) (Registration, error) {
	if localID == "" {
		localID = generateLocalID()
	}

	reg, err := s.ledger.Register(localID, name, birthDate)
	if err != nil {
		evt := events.New(events.RegisterFailed, fmt.Sprintf("Registration of %s failed: %v", localID, err)).
			With("sourceId", localID).
			With("name", name).
			With("birthDate", birthDate)
		if errors.Is(err, ErrLinkConflict) {
			evt = evt.With("reason", "link-conflict")
		}
		s.sink.Emit(ctx, evt)
		return Registration{}, err
	}

	switch {
	case reg.AlreadyLinked:
		s.metrics.IncRegistration(metrics.OutcomeExisting)
	case reg.Created:
		s.metrics.IncRegistration(metrics.OutcomeCreated)
		s.sink.Emit(ctx, events.New(events.PatientRegistered,
			fmt.Sprintf("Registered %s (DOB %s): %s → %s", name, birthDate, localID, reg.CanonicalID)).
			With("sourceId", localID).
			With("brokerId", reg.CanonicalID))
	default:
		s.metrics.IncRegistration(metrics.OutcomeLinked)
		s.sink.Emit(ctx, events.New(events.PatientLinked,
			fmt.Sprintf("Linked source %s → existing %s (%s)", localID, reg.CanonicalID, name)).
			With("sourceId", localID).
			With("brokerId", reg.CanonicalID))
	}
	return reg, nil
}

func (s *Service) Resolve(localID string) (string, bool) {
	return s.ledger.Resolve(localID)
}

func (s *Service) Mappings() []Mapping {
	return s.ledger.Mappings()
}

func generateLocalID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "local-" + hex.EncodeToString(b[:])
}
