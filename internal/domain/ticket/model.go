package ticket

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/fhir"
)

var ErrInvalidDemographics = errors.New("patient name and birthDate are required")

const (
	DefaultIssuer       = "https://identity-provider.example.org"
	DefaultAudience     = "https://cms-network.example.org"
	DefaultTicketTTL    = time.Hour
	DefaultAssertionTTL = 5 * time.Minute
	DefaultScope        = "patient/Encounter.rs"

	ticketKeyID    = "demo-idp-key-1"
	assertionKeyID = "demo-client-key-1"
)

// Stage is a step of the token exchange.
type Stage string

const (
	StageRequested           Stage = "requested"
	StageAssertionDecoded    Stage = "assertion-decoded"
	StageTicketExtracted     Stage = "ticket-extracted"
	StageDemographicsMatched Stage = "demographics-matched"
	StageTokenIssued         Stage = "token-issued"
)

// Demographics identify the person a ticket is about.
type Demographics struct {
	Name      string `json:"name"`
	BirthDate string `json:"birthDate"`
}

// Traits is the match subject carried inside a permission ticket.
type Traits struct {
	ResourceType string           `json:"resourceType"`
	Name         []fhir.HumanName `json:"name"`
	BirthDate    string           `json:"birthDate"`
}

type TicketSubject struct {
	Type   string  `json:"type"`
	Traits *Traits `json:"traits,omitempty"`
}

type Capability struct {
	Scopes []string `json:"scopes"`
}

type TicketContext struct {
	Subject    TicketSubject `json:"subject"`
	Capability Capability    `json:"capability"`
}

// TicketClaims is the claim set of a permission ticket envelope.
type TicketClaims struct {
	jwt.RegisteredClaims
	TicketContext *TicketContext `json:"ticket_context,omitempty"`
}

// AssertionClaims is the claim set of a client assertion. The permission
// ticket travels as a nested raw envelope.
type AssertionClaims struct {
	jwt.RegisteredClaims
	PermissionTicket string `json:"permission_ticket,omitempty"`
}

// PermissionTicket is an issued ticket together with its encoded form.
type PermissionTicket struct {
	Raw       string
	Issuer    string
	ClientID  string
	Audience  string
	Subject   fhir.HumanName
	BirthDate string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ClientAssertion wraps a permission ticket for presentation at the broker
// token endpoint. It may be exchanged once.
type ClientAssertion struct {
	Raw       string
	ClientID  string
	Audience  string
	JTI       string
	Ticket    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AccessToken is the token endpoint response.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Patient     string `json:"patient"`
	Scope       string `json:"scope"`
}

// Rejected ends an exchange. Reason is an OAuth error code.
type Rejected struct {
	Reason      string
	Stage       Stage
	Description string
}

func (r *Rejected) Error() string {
	return fmt.Sprintf("%s at %s: %s", r.Reason, r.Stage, r.Description)
}

// OAuth converts the rejection into its wire form.
func (r *Rejected) OAuth() *auth.OAuthError {
	return &auth.OAuthError{Code: r.Reason, Description: r.Description}
}
