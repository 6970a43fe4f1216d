package subscription

import (
	"strconv"
	"sync"
	"time"

	"github.com/ehr/broker/internal/platform/fhir"
)

// Registry stores subscriptions for the process lifetime. Identifiers are
// assigned sequentially as "sub-1", "sub-2", ...
type Registry struct {
	mu    sync.RWMutex
	seq   int
	order []string
	byID  map[string]Subscription
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]Subscription),
		now:  time.Now,
	}
}

// Create stores an active subscription for patientID delivering to endpoint.
// Inputs are validated by Service.
func (r *Registry) Create(patientID, endpoint string) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	sub := Subscription{
		ID:        "sub-" + strconv.Itoa(r.seq),
		Patient:   patientID,
		Criteria:  fhir.PatientCriteria(patientID),
		Endpoint:  endpoint,
		Status:    StatusActive,
		CreatedAt: r.now().UTC(),
	}
	r.byID[sub.ID] = sub
	r.order = append(r.order, sub.ID)
	return sub
}

func (r *Registry) Get(id string) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

// List returns every subscription in insertion order.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// FindByPatient returns the subscriptions whose criteria reference
// patientID, in insertion order. This is a linear scan: O(subscriptions)
// per call.
func (r *Registry) FindByPatient(patientID string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscription
	for _, id := range r.order {
		sub := r.byID[id]
		if fhir.CriteriaPatient(sub.Criteria) == patientID {
			out = append(out, sub)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
