package identity

import (
	"errors"
	"time"
)

var (
	ErrInvalidDemographics = errors.New("invalid demographics")
	ErrMissingLocalID      = errors.New("local identifier is required")
	ErrLinkConflict        = errors.New("local identifier is linked to a different patient")
	ErrIDSpaceExhausted    = errors.New("could not allocate a canonical identifier")
)

// PatientRecord is the broker's single record for a real-world patient.
// Records are never updated after creation.
type PatientRecord struct {
	CanonicalID string    `json:"brokerId"`
	Name        string    `json:"name"`
	BirthDate   string    `json:"birthDate"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IdentityLink maps a source system's local identifier to a canonical id.
type IdentityLink struct {
	LocalID     string    `json:"source"`
	CanonicalID string    `json:"broker"`
	LinkedAt    time.Time `json:"linkedAt"`
}

// Registration is the outcome of Register. Created is true when a new
// PatientRecord was minted. AlreadyLinked is true when the local id carried
// its link into this call, so nothing changed.
type Registration struct {
	CanonicalID   string `json:"brokerId"`
	LocalID       string `json:"sourceId"`
	Created       bool   `json:"created"`
	AlreadyLinked bool   `json:"alreadyLinked,omitempty"`
}

// Mapping is a link joined with the demographics of its record.
type Mapping struct {
	Source    string `json:"source"`
	Broker    string `json:"broker"`
	Name      string `json:"name,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
}
