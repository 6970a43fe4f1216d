package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/broker/internal/domain/subscription"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/fhir"
	"github.com/ehr/broker/internal/platform/metrics"
	"github.com/ehr/broker/internal/platform/webhook"
)

// DefaultConcurrency bounds in-flight deliveries for one event.
const DefaultConcurrency = 8

// Resolver maps a source-local patient id to its canonical id.
type Resolver interface {
	Resolve(localID string) (string, bool)
}

// SubscriptionFinder returns the subscriptions for a canonical patient.
type SubscriptionFinder interface {
	FindByPatient(patientID string) []subscription.Subscription
}

// Deliverer performs one notification POST.
type Deliverer interface {
	Send(ctx context.Context, req webhook.Request) *webhook.DeliveryAttempt
}

// Config holds the tunables of an Engine.
type Config struct {
	Concurrency int
}

// Engine resolves clinical events to canonical patients and delivers a
// notification to every matching subscription.
type Engine struct {
	resolver    Resolver
	finder      SubscriptionFinder
	deliverer   Deliverer
	log         *webhook.Log
	sink        events.Sink
	metrics     *metrics.Metrics
	concurrency int

	mu       sync.Mutex
	counters map[string]uint64
}

func NewEngine(resolver Resolver, finder SubscriptionFinder, deliverer Deliverer, log *webhook.Log, sink events.Sink, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if sink == nil {
		sink = events.Discard
	}
	if log == nil {
		log = webhook.NewLog(0)
	}
	return &Engine{
		resolver:    resolver,
		finder:      finder,
		deliverer:   deliverer,
		log:         log,
		sink:        sink,
		metrics:     m,
		concurrency: cfg.Concurrency,
		counters:    make(map[string]uint64),
	}
}

// DeliveryLog exposes the retained delivery attempts.
func (e *Engine) DeliveryLog() *webhook.Log {
	return e.log
}

// Ingest processes one event. Only an invalid event is an error; unmapped
// patients, missing subscribers and delivery failures are all reported on
// the Result.
func (e *Engine) Ingest(ctx context.Context, evt ClinicalEvent) (Result, error) {
	if err := evt.Validate(); err != nil {
		return Result{}, err
	}
	evt.LocalPatientID = strings.TrimSpace(evt.LocalPatientID)
	if evt.Kind == "" {
		evt.Kind = EncounterStart
	}

	e.sink.Emit(ctx, events.New(events.EventReceived,
		fmt.Sprintf("Event from data source: %s for patient %s", evt.Kind, evt.LocalPatientID)).
		With("eventType", string(evt.Kind)).
		With("sourceId", evt.LocalPatientID).
		With("resource", evt.Resource).
		With("dataSourceBase", evt.SourceBase))

	patient, ok := e.resolver.Resolve(evt.LocalPatientID)
	if !ok {
		e.metrics.IncFanout(ReasonUnmappedPatient)
		e.sink.Emit(ctx, events.New(events.PatientNoMatch,
			fmt.Sprintf("No mapping for source patient %s", evt.LocalPatientID)).
			With("sourceId", evt.LocalPatientID))
		return NoMatch(ReasonUnmappedPatient), nil
	}
	e.sink.Emit(ctx, events.New(events.PatientMatched,
		fmt.Sprintf("Mapped source %s → %s", evt.LocalPatientID, patient)).
		With("sourceId", evt.LocalPatientID).
		With("brokerId", patient))

	subs := e.finder.FindByPatient(patient)
	if len(subs) == 0 {
		e.metrics.IncFanout(ReasonNoSubscribers)
		e.sink.Emit(ctx, events.New(events.NoSubscriptions,
			fmt.Sprintf("No active subscriptions for %s", patient)).
			With("brokerId", patient))
		return Result{Matched: false, Reason: ReasonNoSubscribers, Patient: patient}, nil
	}
	e.metrics.IncFanout(metrics.OutcomeMatched)

	deliveries := e.scatter(context.WithoutCancel(ctx), subs, evt.Resource)
	return Result{
		Matched:    true,
		Patient:    patient,
		Count:      len(subs),
		Deliveries: deliveries,
	}, nil
}

// scatter delivers to every subscription concurrently and collects one
// attempt per subscription. Deliveries never fail the group, so one slow or
// broken subscriber does not cancel its siblings.
func (e *Engine) scatter(ctx context.Context, subs []subscription.Subscription, focus string) []*webhook.DeliveryAttempt {
	out := make([]*webhook.DeliveryAttempt, len(subs))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			out[i] = e.deliver(ctx, sub, focus)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (e *Engine) deliver(ctx context.Context, sub subscription.Subscription, focus string) (attempt *webhook.DeliveryAttempt) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			attempt = failedAttempt(sub, focus, started, fmt.Sprintf("panic during delivery: %v", r))
		} else if attempt == nil {
			attempt = failedAttempt(sub, focus, started, "deliverer returned no attempt")
		}
		e.record(ctx, sub, attempt)
	}()

	bundle := fhir.NewNotificationBundle(sub.ID, focus, e.nextEventNumber(sub.ID), started)
	payload, err := json.Marshal(bundle)
	if err != nil {
		return failedAttempt(sub, focus, started, fmt.Sprintf("encode notification: %v", err))
	}

	e.sink.Emit(ctx, events.New(events.NotificationSending,
		fmt.Sprintf("Delivering notification for Subscription/%s", sub.ID)).
		With("subscription", sub.ID).
		With("endpoint", sub.Endpoint).
		With("resource", bundle))

	return e.deliverer.Send(ctx, webhook.Request{
		SubscriptionID: sub.ID,
		Address:        sub.Endpoint,
		Resource:       focus,
		ContentType:    subscription.PayloadFHIRJSON,
		Payload:        payload,
	})
}

func failedAttempt(sub subscription.Subscription, focus string, started time.Time, msg string) *webhook.DeliveryAttempt {
	return &webhook.DeliveryAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		Address:        sub.Endpoint,
		Resource:       focus,
		Status:         webhook.StatusFailed,
		Error:          msg,
		Duration:       time.Since(started),
		CreatedAt:      started.UTC(),
	}
}

func (e *Engine) record(ctx context.Context, sub subscription.Subscription, attempt *webhook.DeliveryAttempt) {
	e.log.Record(ctx, attempt)
	e.metrics.ObserveDelivery(attempt.Succeeded(), attempt.Duration)

	if attempt.Succeeded() {
		e.sink.Emit(ctx, events.New(events.NotificationDelivered,
			fmt.Sprintf("Notification delivered to Subscription/%s, status %d", sub.ID, attempt.StatusCode)).
			With("subscription", sub.ID).
			With("statusCode", attempt.StatusCode))
		return
	}
	e.sink.Emit(ctx, events.New(events.NotificationError,
		fmt.Sprintf("Delivery to Subscription/%s failed: %s", sub.ID, attempt.Error)).
		With("subscription", sub.ID).
		With("endpoint", sub.Endpoint).
		With("error", attempt.Error))
}

func (e *Engine) nextEventNumber(subscriptionID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counters[subscriptionID]++
	return e.counters[subscriptionID]
}
