package source

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/ehr/broker/internal/platform/fhir"
)

// PatientEntry is a patient in the source's master patient index.
type PatientEntry struct {
	SourceID  string        `json:"sourceId"`
	Name      string        `json:"name"`
	BirthDate string        `json:"birthDate"`
	Resource  *fhir.Patient `json:"-"`
}

// EncounterEntry is a stored encounter and the local patient it belongs to.
type EncounterEntry struct {
	Encounter *fhir.Encounter
	SourceID  string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPatientIDGenerator overrides how new local patient ids are drawn.
func WithPatientIDGenerator(gen func() string) StoreOption {
	return func(s *Store) {
		s.newID = gen
	}
}

// Store is the in-memory record system of the source.
type Store struct {
	mu           sync.RWMutex
	patients     map[string]*PatientEntry
	patientOrder []string
	encounters   map[string]*EncounterEntry
	encOrder     []string
	encounterSeq int
	newID        func() string
	now          func() time.Time
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		patients:   make(map[string]*PatientEntry),
		encounters: make(map[string]*EncounterEntry),
		newID:      randomPatientID,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func randomPatientID() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return "mercy-" + hex.EncodeToString(b[:])
}

// FindOrAdd returns the patient with exactly this name and birth date,
// creating one when none exists. created reports which happened.
func (s *Store) FindOrAdd(name, birthDate string) (entry PatientEntry, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.findLocked(name, birthDate); p != nil {
		return *p, false
	}

	id := s.newID()
	for _, taken := s.patients[id]; taken; _, taken = s.patients[id] {
		id = s.newID()
	}
	p := &PatientEntry{
		SourceID:  id,
		Name:      name,
		BirthDate: birthDate,
		Resource:  fhir.NewPatient(id, name, birthDate),
	}
	s.patients[id] = p
	s.patientOrder = append(s.patientOrder, id)
	return *p, true
}

// Find looks a patient up by exact demographics.
func (s *Store) Find(name, birthDate string) (PatientEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.findLocked(name, birthDate); p != nil {
		return *p, true
	}
	return PatientEntry{}, false
}

func (s *Store) findLocked(name, birthDate string) *PatientEntry {
	for _, id := range s.patientOrder {
		p := s.patients[id]
		if p.Name == name && p.BirthDate == birthDate {
			return p
		}
	}
	return nil
}

func (s *Store) Patient(sourceID string) (PatientEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[sourceID]
	if !ok {
		return PatientEntry{}, false
	}
	return *p, true
}

func (s *Store) Patients() []PatientEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PatientEntry, 0, len(s.patientOrder))
	for _, id := range s.patientOrder {
		out = append(out, *s.patients[id])
	}
	return out
}

// AddEncounter creates Encounter/enc-N for sourceID.
func (s *Store) AddEncounter(sourceID string, opts EncounterOptions) (*fhir.Encounter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patients[sourceID]
	if !ok {
		return nil, false
	}
	s.encounterSeq++
	id := "enc-" + strconv.Itoa(s.encounterSeq)
	enc := BuildEncounter(id, sourceID, p.Name, opts, s.now())
	s.encounters[id] = &EncounterEntry{Encounter: enc, SourceID: sourceID}
	s.encOrder = append(s.encOrder, id)
	return enc, true
}

func (s *Store) Encounter(id string) (EncounterEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.encounters[id]
	if !ok {
		return EncounterEntry{}, false
	}
	return *e, true
}

func (s *Store) Encounters() []EncounterEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EncounterEntry, 0, len(s.encOrder))
	for _, id := range s.encOrder {
		out = append(out, *s.encounters[id])
	}
	return out
}

// EncounterCount returns how many encounters sourceID has.
func (s *Store) EncounterCount(sourceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.encounters {
		if e.SourceID == sourceID {
			n++
		}
	}
	return n
}
