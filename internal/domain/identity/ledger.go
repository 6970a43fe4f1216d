package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ehr/broker/internal/platform/fhir"
)

const (
	canonicalPrefix = "broker-"
	maxIDAttempts   = 16
)

// Ledger resolves local patient identifiers to canonical identifiers by
// demographic matching. One mutex guards both the records and the links so
// that Register's match-then-create is atomic.
type Ledger struct {
	mu        sync.RWMutex
	patients  map[string]*PatientRecord
	order     []string
	links     map[string]IdentityLink
	linkOrder []string

	newID func() string
	now   func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithIDGenerator replaces the random canonical id source.
func WithIDGenerator(gen func() string) LedgerOption {
	return func(l *Ledger) {
		l.newID = gen
	}
}

func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		patients: make(map[string]*PatientRecord),
		links:    make(map[string]IdentityLink),
		newID:    randomCanonicalID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// randomCanonicalID returns "broker-" followed by 24 random bits in hex.
func randomCanonicalID() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return canonicalPrefix + hex.EncodeToString(b[:])
}

// Register links localID to the patient matching (name, birthDate), creating
// the patient when no record matches. Registering the same local id again
// with matching demographics is a no-op; registering it with demographics of
// a different patient fails with ErrLinkConflict.
func (l *Ledger) Register(localID, name, birthDate string) (Registration, error) {
	localID = strings.TrimSpace(localID)
	name = strings.Join(strings.Fields(name), " ")
	birthDate = strings.TrimSpace(birthDate)

	if localID == "" {
		return Registration{}, ErrMissingLocalID
	}
	if err := ValidateDemographics(name, birthDate); err != nil {
		return Registration{}, err
	}
	query := fhir.SplitName(name)

	l.mu.Lock()
	defer l.mu.Unlock()

	if link, ok := l.links[localID]; ok {
		rec := l.patients[link.CanonicalID]
		if rec != nil && matches(rec, query, birthDate) {
			return Registration{CanonicalID: link.CanonicalID, LocalID: localID, AlreadyLinked: true}, nil
		}
		return Registration{}, fmt.Errorf("%w: %s is linked to %s", ErrLinkConflict, localID, link.CanonicalID)
	}

	if rec := l.matchLocked(query, birthDate); rec != nil {
		l.linkLocked(localID, rec.CanonicalID)
		return Registration{CanonicalID: rec.CanonicalID, LocalID: localID}, nil
	}

	id, err := l.allocateLocked()
	if err != nil {
		return Registration{}, err
	}
	l.patients[id] = &PatientRecord{
		CanonicalID: id,
		Name:        name,
		BirthDate:   birthDate,
		CreatedAt:   l.now().UTC(),
	}
	l.order = append(l.order, id)
	l.linkLocked(localID, id)

	return Registration{CanonicalID: id, LocalID: localID, Created: true}, nil
}

func (l *Ledger) allocateLocked() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := l.newID()
		if _, taken := l.patients[id]; !taken {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}

func (l *Ledger) linkLocked(localID, canonicalID string) {
	l.links[localID] = IdentityLink{
		LocalID:     localID,
		CanonicalID: canonicalID,
		LinkedAt:    l.now().UTC(),
	}
	l.linkOrder = append(l.linkOrder, localID)
}

// Resolve returns the canonical id linked to localID. ok is false for an
// unknown local id; that is a normal outcome, not an error. localID is
// trimmed the same way Register trims it.
func (l *Ledger) Resolve(localID string) (canonicalID string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	link, ok := l.links[strings.TrimSpace(localID)]
	return link.CanonicalID, ok
}

// MatchByDemographics finds the record matching a free-text name and birth
// date. See MatchName for the rule.
func (l *Ledger) MatchByDemographics(name, birthDate string) (PatientRecord, bool) {
	return l.MatchName(fhir.SplitName(name), birthDate)
}

// MatchName finds the first registered record whose birth date equals
// birthDate exactly, whose family name (last token of the stored name)
// equals name.Family ignoring case, and whose first given-name token equals
// the first given-name token of name ignoring case. Middle names,
// honorifics and punctuation are not normalized.
func (l *Ledger) MatchName(name fhir.HumanName, birthDate string) (PatientRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if rec := l.matchLocked(name, birthDate); rec != nil {
		return *rec, true
	}
	return PatientRecord{}, false
}

func (l *Ledger) matchLocked(name fhir.HumanName, birthDate string) *PatientRecord {
	for _, id := range l.order {
		if rec := l.patients[id]; matches(rec, name, birthDate) {
			return rec
		}
	}
	return nil
}

func matches(rec *PatientRecord, query fhir.HumanName, birthDate string) bool {
	if rec.BirthDate != birthDate {
		return false
	}
	stored := fhir.SplitName(rec.Name)
	if query.Family == "" || !strings.EqualFold(stored.Family, query.Family) {
		return false
	}
	storedGiven, queryGiven := firstGiven(stored.Given), firstGiven(query.Given)
	if storedGiven == "" || queryGiven == "" {
		return false
	}
	return strings.EqualFold(storedGiven, queryGiven)
}

// firstGiven returns the first whitespace token of the given names.
func firstGiven(given []string) string {
	for _, g := range given {
		if fields := strings.Fields(g); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// Patient returns the record for canonicalID.
func (l *Ledger) Patient(canonicalID string) (PatientRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.patients[canonicalID]
	if !ok {
		return PatientRecord{}, false
	}
	return *rec, true
}

// Patients returns all records in creation order.
func (l *Ledger) Patients() []PatientRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PatientRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.patients[id])
	}
	return out
}

// Mappings returns every link, in link order, with its record's demographics.
func (l *Ledger) Mappings() []Mapping {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Mapping, 0, len(l.linkOrder))
	for _, localID := range l.linkOrder {
		link := l.links[localID]
		m := Mapping{Source: link.LocalID, Broker: link.CanonicalID}
		if rec, ok := l.patients[link.CanonicalID]; ok {
			m.Name = rec.Name
			m.BirthDate = rec.BirthDate
		}
		out = append(out, m)
	}
	return out
}

// ValidateDemographics checks that name has at least one token and that
// birthDate is an ISO calendar date.
func ValidateDemographics(name, birthDate string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDemographics)
	}
	if birthDate == "" {
		return fmt.Errorf("%w: birthDate is required", ErrInvalidDemographics)
	}
	if _, err := time.Parse("2006-01-02", birthDate); err != nil {
		return fmt.Errorf("%w: birthDate must be YYYY-MM-DD", ErrInvalidDemographics)
	}
	return nil
}
