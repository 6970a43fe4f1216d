package identity

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/ehr/broker/internal/platform/fhir"
)

func TestLedger_RegisterCreatesCanonicalID(t *testing.T) {
	l := NewLedger()

	reg, err := l.Register("mercy-1", "Jane A Doe", "1985-03-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reg.Created {
		t.Error("expected a new record")
	}
	if !regexp.MustCompile(`^broker-[0-9a-f]{6}$`).MatchString(reg.CanonicalID) {
		t.Errorf("unexpected canonical id format %q", reg.CanonicalID)
	}
	if reg.LocalID != "mercy-1" {
		t.Errorf("expected local id mercy-1, got %s", reg.LocalID)
	}
}

func TestLedger_IdempotentLinking(t *testing.T) {
	l := NewLedger()

	first, err := l.Register("mercy-1", "Jane A Doe", "1985-03-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := l.Register("county-77", "Jane A Doe", "1985-03-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	third, err := l.Register("clinic-x", "jane doe", "1985-03-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.Created || third.Created {
		t.Error("expected existing record to be linked")
	}
	if first.CanonicalID != second.CanonicalID || first.CanonicalID != third.CanonicalID {
		t.Errorf("expected one canonical id, got %s %s %s", first.CanonicalID, second.CanonicalID, third.CanonicalID)
	}
	if n := len(l.Patients()); n != 1 {
		t.Errorf("expected 1 patient record, got %d", n)
	}
	if n := len(l.Mappings()); n != 3 {
		t.Errorf("expected 3 links, got %d", n)
	}
}

func TestLedger_ReRegisterSameLocalID(t *testing.T) {
	l := NewLedger()
	first, _ := l.Register("mercy-1", "Jane A Doe", "1985-03-15")

	again, err := l.Register("mercy-1", "Jane A Doe", "1985-03-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.CanonicalID != first.CanonicalID || again.Created || !again.AlreadyLinked {
		t.Errorf("expected idempotent re-registration, got %+v", again)
	}
	if n := len(l.Mappings()); n != 1 {
		t.Errorf("expected link not duplicated, got %d", n)
	}
}

func TestLedger_LinkConflict(t *testing.T) {
	l := NewLedger()
	if _, err := l.Register("mercy-1", "Jane A Doe", "1985-03-15"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := l.Register("mercy-1", "John Smith", "1970-01-01")
	if !errors.Is(err, ErrLinkConflict) {
		t.Fatalf("expected ErrLinkConflict, got %v", err)
	}
	if n := len(l.Patients()); n != 1 {
		t.Errorf("conflicting registration must not create a record, got %d", n)
	}
}

func TestLedger_ResolveAfterRegister(t *testing.T) {
	l := NewLedger()
	people := []struct{ local, name, dob string }{
		{"mercy-1", "Jane A Doe", "1985-03-15"},
		{"mercy-2", "Carlos B Rivera", "1962-11-02"},
		{"mercy-3", "Mei Tanaka", "2000-01-30"},
	}
	for _, p := range people {
		reg, err := l.Register(p.local, p.name, p.dob)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, ok := l.Resolve(p.local)
		if !ok || got != reg.CanonicalID {
			t.Errorf("Resolve(%s) = %s, %v; want %s", p.local, got, ok, reg.CanonicalID)
		}
	}
}

func TestLedger_ResolveTrimsLikeRegister(t *testing.T) {
	l := NewLedger()
	local := " mercy-1 "
	reg, err := l.Register(local, "Jane A Doe", "1985-03-15")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, id := range []string{local, "mercy-1", "\tmercy-1"} {
		got, ok := l.Resolve(id)
		if !ok || got != reg.CanonicalID {
			t.Errorf("Resolve(%q) = (%q, %v), want %q", id, got, ok, reg.CanonicalID)
		}
	}
}

func TestLedger_ResolveUnknownIsNotFound(t *testing.T) {
	l := NewLedger()
	if id, ok := l.Resolve("nobody"); ok || id != "" {
		t.Errorf("expected not found, got %q %v", id, ok)
	}
}

func TestLedger_MatchByDemographics(t *testing.T) {
	l := NewLedger()
	reg, _ := l.Register("mercy-1", "Jane Doe", "1985-03-15")

	tests := []struct {
		name, dob string
		want      bool
	}{
		{"jane doe", "1985-03-15", true},
		{"JANE DOE", "1985-03-15", true},
		{"Jane Q Doe", "1985-03-15", true},
		{"jane doe", "1985-03-16", false},
		{"Janet Doe", "1985-03-15", false},
		{"Jane Smith", "1985-03-15", false},
		{"Doe", "1985-03-15", false},
		{"", "1985-03-15", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.name, tt.dob), func(t *testing.T) {
			rec, ok := l.MatchByDemographics(tt.name, tt.dob)
			if ok != tt.want {
				t.Fatalf("MatchByDemographics(%q, %q) ok = %v, want %v", tt.name, tt.dob, ok, tt.want)
			}
			if ok && rec.CanonicalID != reg.CanonicalID {
				t.Errorf("matched wrong record %s", rec.CanonicalID)
			}
		})
	}
}

func TestLedger_MatchName_StructuredTraits(t *testing.T) {
	l := NewLedger()
	reg, _ := l.Register("mercy-1", "Jane A Doe", "1985-03-15")

	rec, ok := l.MatchName(fhir.HumanName{Family: "doe", Given: []string{"Jane"}}, "1985-03-15")
	if !ok || rec.CanonicalID != reg.CanonicalID {
		t.Errorf("expected structured match, got %+v %v", rec, ok)
	}

	// A given entry carrying several tokens contributes only its first.
	rec, ok = l.MatchName(fhir.HumanName{Family: "Doe", Given: []string{"jane a"}}, "1985-03-15")
	if !ok || rec.CanonicalID != reg.CanonicalID {
		t.Errorf("expected first-token match, got %+v %v", rec, ok)
	}

	if _, ok := l.MatchName(fhir.HumanName{Family: "Doe"}, "1985-03-15"); ok {
		t.Error("expected no match without a given name")
	}
}

func TestLedger_SingleTokenNamesNeverMatch(t *testing.T) {
	l := NewLedger()
	a, _ := l.Register("src-1", "Cher", "1946-05-20")
	b, _ := l.Register("src-2", "Cher", "1946-05-20")

	if !a.Created || !b.Created || a.CanonicalID == b.CanonicalID {
		t.Errorf("records without a given name cannot be linked: %+v %+v", a, b)
	}
}

func TestLedger_Validation(t *testing.T) {
	l := NewLedger()

	tests := []struct {
		local, name, dob string
		want             error
	}{
		{"", "Jane Doe", "1985-03-15", ErrMissingLocalID},
		{"x", "", "1985-03-15", ErrInvalidDemographics},
		{"x", "Jane Doe", "", ErrInvalidDemographics},
		{"x", "Jane Doe", "03/15/1985", ErrInvalidDemographics},
		{"x", "Jane Doe", "1985-02-30", ErrInvalidDemographics},
	}
	for _, tt := range tests {
		if _, err := l.Register(tt.local, tt.name, tt.dob); !errors.Is(err, tt.want) {
			t.Errorf("Register(%q, %q, %q) = %v, want %v", tt.local, tt.name, tt.dob, err, tt.want)
		}
	}
}

func TestLedger_RetriesOnCollision(t *testing.T) {
	ids := []string{"broker-000001", "broker-000001", "broker-000002"}
	i := 0
	l := NewLedger(WithIDGenerator(func() string {
		id := ids[i]
		i++
		return id
	}))

	a, _ := l.Register("a", "Jane Doe", "1985-03-15")
	b, err := l.Register("b", "John Roe", "1990-07-04")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CanonicalID != "broker-000001" || b.CanonicalID != "broker-000002" {
		t.Errorf("unexpected ids %s %s", a.CanonicalID, b.CanonicalID)
	}
}

func TestLedger_IDSpaceExhausted(t *testing.T) {
	l := NewLedger(WithIDGenerator(func() string { return "broker-aaaaaa" }))
	if _, err := l.Register("a", "Jane Doe", "1985-03-15"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Register("b", "John Roe", "1990-07-04"); !errors.Is(err, ErrIDSpaceExhausted) {
		t.Errorf("expected ErrIDSpaceExhausted, got %v", err)
	}
}

func TestLedger_ConcurrentRegisterSameDemographics(t *testing.T) {
	l := NewLedger()

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg, err := l.Register(fmt.Sprintf("src-%d", i), "Jane A Doe", "1985-03-15")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids[i] = reg.CanonicalID
		}(i)
	}
	wg.Wait()

	if len(l.Patients()) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(l.Patients()))
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected all registrations to share %s, got %s", ids[0], ids[i])
		}
	}
}

func TestLedger_MappingsCarryDemographics(t *testing.T) {
	l := NewLedger()
	reg, _ := l.Register("mercy-1", "Jane   A Doe", "1985-03-15")

	m := l.Mappings()
	if len(m) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(m))
	}
	if m[0].Source != "mercy-1" || m[0].Broker != reg.CanonicalID || m[0].Name != "Jane A Doe" {
		t.Errorf("unexpected mapping %+v", m[0])
	}

	rec, ok := l.Patient(reg.CanonicalID)
	if !ok || rec.BirthDate != "1985-03-15" {
		t.Errorf("unexpected record %+v", rec)
	}
}
