package ticket

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/broker/internal/domain/identity"
	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/fhir"
)

// Issuer stands in for the identity-proofing service: it verifies nothing
// and issues permission tickets for whatever demographics it is given.
type Issuer struct {
	issuer   string
	audience string
	ttl      time.Duration
	sink     events.Sink
	now      func() time.Time
}

func NewIssuer(issuer, audience string, ttl time.Duration, sink events.Sink) *Issuer {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if audience == "" {
		audience = DefaultAudience
	}
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Issuer{issuer: issuer, audience: audience, ttl: ttl, sink: sink, now: time.Now}
}

// IssueTicket encodes a permission ticket binding clientID to the person
// described by demo. scopes defaults to patient/Encounter.rs.
func (i *Issuer) IssueTicket(ctx context.Context, demo Demographics, clientID string, scopes []string) (*PermissionTicket, error) {
	name := strings.TrimSpace(demo.Name)
	if name == "" || strings.TrimSpace(demo.BirthDate) == "" {
		return nil, ErrInvalidDemographics
	}
	if err := identity.ValidateDemographics(name, demo.BirthDate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDemographics, err)
	}
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}

	now := i.now().UTC().Truncate(time.Second)
	human := fhir.SplitName(name)
	claims := TicketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		TicketContext: &TicketContext{
			Subject: TicketSubject{
				Type: "match",
				Traits: &Traits{
					ResourceType: "Patient",
					Name:         []fhir.HumanName{human},
					BirthDate:    demo.BirthDate,
				},
			},
			Capability: Capability{Scopes: scopes},
		},
	}

	i.sink.Emit(ctx, events.New(events.IdentityVerified,
		fmt.Sprintf("Identity verified for %s (DOB %s)", name, demo.BirthDate)).
		With("name", name).
		With("birthDate", demo.BirthDate))

	raw, err := auth.EncodeEnvelope(auth.TicketSigning, ticketKeyID, claims)
	if err != nil {
		return nil, err
	}

	t := &PermissionTicket{
		Raw:       raw,
		Issuer:    i.issuer,
		ClientID:  clientID,
		Audience:  i.audience,
		Subject:   human,
		BirthDate: demo.BirthDate,
		Scopes:    scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
	}
	i.sink.Emit(ctx, events.New(events.PermissionTicketIssued,
		fmt.Sprintf("Permission ticket issued by %s for %s", i.issuer, clientID)).
		With("permissionTicket", raw).
		With("scopes", scopes))
	return t, nil
}

// NewClientAssertion wraps ticket in a client assertion valid for
// DefaultAssertionTTL.
func NewClientAssertion(clientID, audience, ticket string) (*ClientAssertion, error) {
	return NewClientAssertionAt(clientID, audience, ticket, time.Now(), DefaultAssertionTTL)
}

// NewClientAssertionAt is NewClientAssertion with an explicit issue time and
// lifetime.
func NewClientAssertionAt(clientID, audience, ticket string, issuedAt time.Time, ttl time.Duration) (*ClientAssertion, error) {
	issuedAt = issuedAt.UTC().Truncate(time.Second)
	jti := uuid.NewString()
	claims := AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    clientID,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{audience},
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
		PermissionTicket: ticket,
	}

	raw, err := auth.EncodeEnvelope(auth.AssertionSigning, assertionKeyID, claims)
	if err != nil {
		return nil, err
	}
	return &ClientAssertion{
		Raw:       raw,
		ClientID:  clientID,
		Audience:  audience,
		JTI:       jti,
		Ticket:    ticket,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}, nil
}
