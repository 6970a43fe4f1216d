package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/broker/internal/domain/ticket"
	"github.com/ehr/broker/internal/platform/apiclient"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/fhir"
)

var (
	ErrInvalidDemographics = errors.New("patient demographics required")
	ErrInvalidNotification = errors.New("not a subscription-notification bundle")
)

// TicketIssuer obtains permission tickets from the identity provider.
type TicketIssuer interface {
	RequestTicket(ctx context.Context, name, birthDate, clientID string, scopes []string) (*apiclient.TicketResponse, error)
}

// Broker is the part of the broker API the client calls.
type Broker interface {
	ExchangeToken(ctx context.Context, clientAssertion string) (*apiclient.Token, error)
	CreateSubscription(ctx context.Context, accessToken, patient, endpoint string) (*apiclient.Subscription, error)
}

// Source reads resources from the source of record.
type Source interface {
	SystemToken(ctx context.Context) (string, error)
	FetchResource(ctx context.Context, accessToken, reference string) (json.RawMessage, error)
}

// Config names the client and where it is reachable.
type Config struct {
	ClientID string
	// TokenAudience is the broker token endpoint placed in assertions.
	TokenAudience string
	// NotificationURL is the endpoint given to the broker for deliveries.
	NotificationURL string
}

// Service is the subscriber client simulator.
type Service struct {
	sessions *SessionStore
	issuer   TicketIssuer
	broker   Broker
	source   Source
	cfg      Config
	sink     events.Sink
}

func NewService(sessions *SessionStore, issuer TicketIssuer, broker Broker, source Source, cfg Config, sink events.Sink) *Service {
	if sink == nil {
		sink = events.Discard
	}
	return &Service{sessions: sessions, issuer: issuer, broker: broker, source: source, cfg: cfg, sink: sink}
}

func (s *Service) Sessions() *SessionStore {
	return s.sessions
}

func (s *Service) sinkFor(sess *Session) events.Sink {
	if sess == nil {
		return s.sink
	}
	return events.Multi{sess.events, s.sink}
}

// QuickAuth proofs the patient instantly, obtains a permission ticket,
// exchanges it at the broker and subscribes to encounter events. A failure
// at any step is recorded on the session, which is returned either way.
func (s *Service) QuickAuth(ctx context.Context, demo Demographics) (View, error) {
	demo.Name, demo.BirthDate = strings.TrimSpace(demo.Name), strings.TrimSpace(demo.BirthDate)
	if demo.Name == "" || demo.BirthDate == "" {
		return View{}, ErrInvalidDemographics
	}

	sess := s.sessions.GetOrCreate(demo)
	sink := s.sinkFor(sess)

	s.sessions.Update(sess, func(se *Session) {
		se.identity = &IdentityProof{Verified: true, Name: demo.Name, Steps: []string{"auto"}}
		se.lastError = ""
	})
	sink.Emit(ctx, events.New(events.IdentityVerified,
		fmt.Sprintf("Identity verified (quick mode): %s", demo.Name)))

	if err := s.authenticate(ctx, sess, sink); err != nil {
		s.sessions.Update(sess, func(se *Session) { se.lastError = err.Error() })
		sink.Emit(ctx, events.New(events.FlowError, fmt.Sprintf("Auth/subscribe failed: %v", err)).
			With("error", err.Error()))
	}
	return s.sessions.View(sess), nil
}

func (s *Service) authenticate(ctx context.Context, sess *Session, sink events.Sink) error {
	demo := sess.patient

	t, err := s.issuer.RequestTicket(ctx, demo.Name, demo.BirthDate, s.cfg.ClientID, nil)
	if err != nil {
		return fmt.Errorf("request permission ticket: %w", err)
	}
	s.sessions.Update(sess, func(se *Session) { se.permissionTicket = t.PermissionTicket })
	sink.Emit(ctx, events.New(events.PermissionTicketIssued,
		fmt.Sprintf("Permission ticket issued for %s", demo.Name)).
		With("permissionTicket", t.PermissionTicket))

	assertion, err := ticket.NewClientAssertion(s.cfg.ClientID, s.cfg.TokenAudience, t.PermissionTicket)
	if err != nil {
		return fmt.Errorf("build client assertion: %w", err)
	}
	s.sessions.Update(sess, func(se *Session) { se.clientAssertion = assertion.Raw })
	sink.Emit(ctx, events.New(events.ClientAssertionCreated,
		"Client assertion created with embedded permission ticket").
		With("jti", assertion.JTI))

	tok, err := s.broker.ExchangeToken(ctx, assertion.Raw)
	if err != nil {
		return fmt.Errorf("auth failed: %w", err)
	}
	s.sessions.Update(sess, func(se *Session) {
		se.token = &SessionToken{AccessToken: tok.AccessToken, Patient: tok.Patient}
	})
	sink.Emit(ctx, events.New(events.Authenticated,
		fmt.Sprintf("Authenticated to broker, patient context: %s", tok.Patient)).
		With("patient", tok.Patient).
		With("scope", tok.Scope))

	sub, err := s.broker.CreateSubscription(ctx, tok.AccessToken, tok.Patient, s.cfg.NotificationURL)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.sessions.Update(sess, func(se *Session) { se.subscriptions = append(se.subscriptions, *sub) })
	sink.Emit(ctx, events.New(events.Subscribed,
		fmt.Sprintf("Subscription %s created, monitoring encounters for %s", sub.ID, tok.Patient)).
		With("subscription", sub.ID))
	return nil
}

// Receipt acknowledges a received notification.
type Receipt struct {
	OK         bool   `json:"ok"`
	PatientKey string `json:"patientKey,omitempty"`
	Fetched    int    `json:"fetched"`
}

// ReceiveNotification records a notification bundle on the owning session
// and fetches each focus resource from the source.
func (s *Service) ReceiveNotification(ctx context.Context, raw []byte) (Receipt, error) {
	var bundle fhir.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	status, ok := fhir.NotificationStatus(&bundle)
	if !ok {
		return Receipt{}, ErrInvalidNotification
	}

	sess, _ := s.sessions.FindBySubscription(status.Subscription.Reference)
	sink := s.sinkFor(sess)
	receipt := Receipt{OK: true}
	if sess != nil {
		receipt.PatientKey = sess.key
		s.sessions.Update(sess, func(se *Session) {
			se.notifications = append(se.notifications, ReceivedNotification{
				ReceivedAt: time.Now().UTC(),
				Bundle:     append(json.RawMessage(nil), raw...),
			})
		})
	}
	sink.Emit(ctx, events.New(events.NotificationReceived, "Notification bundle received from broker").
		With("subscription", status.Subscription.Reference).
		With("resource", json.RawMessage(raw)))

	for _, evt := range status.NotificationEvent {
		focus := evt.Focus.Reference
		if focus == "" {
			continue
		}
		resource, err := s.fetch(ctx, sink, focus)
		if err != nil {
			sink.Emit(ctx, events.New(events.FetchError, fmt.Sprintf("Failed to fetch %s: %v", focus, err)).
				With("focus", focus).
				With("error", err.Error()))
			continue
		}
		receipt.Fetched++
		if sess != nil {
			s.sessions.Update(sess, func(se *Session) { se.encounters = append(se.encounters, resource) })
		}
		sink.Emit(ctx, events.New(events.ResourceFetched, fmt.Sprintf("Retrieved %s%s", focus, describe(resource))).
			With("resource", resource))
	}
	return receipt, nil
}

func (s *Service) fetch(ctx context.Context, sink events.Sink, focus string) (json.RawMessage, error) {
	sink.Emit(ctx, events.New(events.FetchingResource, fmt.Sprintf("Fetching %s from data source", focus)).
		With("focus", focus))

	token, err := s.source.SystemToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("source token: %w", err)
	}
	return s.source.FetchResource(ctx, token, focus)
}

// describe summarises an encounter for the event log.
func describe(raw json.RawMessage) string {
	var enc fhir.Encounter
	if json.Unmarshal(raw, &enc) != nil || enc.ResourceType != "Encounter" {
		return ""
	}
	what := "Encounter"
	if len(enc.Type) > 0 && len(enc.Type[0].Coding) > 0 {
		what = enc.Type[0].Coding[0].Display
	}
	where := "Unknown"
	if enc.ServiceProvider != nil && enc.ServiceProvider.Display != "" {
		where = enc.ServiceProvider.Display
	}
	return fmt.Sprintf(": %s at %s", what, where)
}
