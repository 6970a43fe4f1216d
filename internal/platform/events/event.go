// Package events carries the observability event stream shared by the
// broker, source, and client services. Events are emitted from domain logic
// at each step of a flow and fanned out to sinks (structured log, bounded
// in-memory recorder backing the admin state views).
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Type names a step in one of the flows.
type Type string

const (
	// Identity ledger
	PatientRegistered Type = "patient-registered"
	PatientLinked     Type = "patient-linked"
	PatientFound      Type = "patient-found"
	RegisterFailed    Type = "register-failed"

	// Token exchange
	AssertionReceived       Type = "assertion-received"
	TicketExtracted         Type = "ticket-extracted"
	DemographicMatchSuccess Type = "demographic-match-success"
	DemographicMatchFailed  Type = "demographic-match-failed"
	TokenIssued             Type = "token-issued"
	TokenError              Type = "token-error"

	// Subscriptions
	SubscriptionCreated Type = "subscription-created"

	// Fanout
	EventReceived         Type = "event-received"
	PatientMatched        Type = "patient-matched"
	PatientNoMatch        Type = "patient-no-match"
	NoSubscriptions       Type = "no-subscriptions"
	NotificationSending   Type = "notification-sending"
	NotificationDelivered Type = "notification-delivered"
	NotificationError     Type = "notification-error"

	// Source system
	PatientAutoRegistered Type = "patient-auto-registered"
	EncounterCreated      Type = "encounter-created"
	EncounterRead         Type = "encounter-read"
	EventSent             Type = "event-sent"
	EventError            Type = "event-error"

	// Subscriber client
	IdentityVerified       Type = "identity-verified"
	PermissionTicketIssued Type = "permission-ticket-issued"
	ClientAssertionCreated Type = "client-assertion-created"
	Authenticated          Type = "authenticated"
	Subscribed             Type = "subscribed"
	NotificationReceived   Type = "notification-received"
	FetchingResource       Type = "fetching-resource"
	ResourceFetched        Type = "resource-fetched"
	FetchError             Type = "fetch-error"
	FlowError              Type = "error"
)

// Event is one observable step. Data holds step-specific attributes
// (offending demographics on a rejection, the notification bundle, ...).
type Event struct {
	Type      Type                   `json:"type"`
	Service   string                 `json:"service,omitempty"`
	Detail    string                 `json:"detail"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink consumes events. Implementations must be safe for concurrent use and
// must not block on network I/O.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// New builds an event stamped with the current time.
func New(t Type, detail string) Event {
	return Event{Type: t, Detail: detail, Timestamp: time.Now().UTC()}
}

// With returns a copy of e with key set in Data.
func (e Event) With(key string, value interface{}) Event {
	data := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

type discard struct{}

func (discard) Emit(context.Context, Event) {}

// Discard drops every event.
var Discard Sink = discard{}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, e Event) {
	evt := s.logger.Info()
	switch e.Type {
	case TokenError, DemographicMatchFailed, NotificationError, EventError, FetchError, FlowError, RegisterFailed:
		evt = s.logger.Warn()
	}
	evt = evt.Str("event", string(e.Type))
	if e.Service != "" {
		evt = evt.Str("service", e.Service)
	}
	if len(e.Data) > 0 {
		evt = evt.Fields(e.Data)
	}
	evt.Msg(e.Detail)
}

// Scoped stamps every event with a service name before passing it on.
type Scoped struct {
	service string
	next    Sink
}

func WithService(service string, next Sink) *Scoped {
	return &Scoped{service: service, next: next}
}

func (s *Scoped) Emit(ctx context.Context, e Event) {
	if e.Service == "" {
		e.Service = s.service
	}
	s.next.Emit(ctx, e)
}

// Multi forwards each event to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}
