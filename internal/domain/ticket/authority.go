package ticket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/broker/internal/domain/identity"
	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/fhir"
	"github.com/ehr/broker/internal/platform/metrics"
	"github.com/ehr/broker/internal/platform/replay"
)

// Matcher finds the canonical patient a ticket's traits describe.
type Matcher interface {
	MatchName(name fhir.HumanName, birthDate string) (identity.PatientRecord, bool)
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithExpectedAudience makes the authority reject assertions whose aud does
// not include audience.
func WithExpectedAudience(audience string) AuthorityOption {
	return func(a *Authority) {
		a.audience = audience
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) AuthorityOption {
	return func(a *Authority) {
		a.now = now
	}
}

// Authority exchanges client assertions carrying permission tickets for
// patient-scoped access tokens.
type Authority struct {
	matcher  Matcher
	signer   *auth.TokenSigner
	guard    replay.Guard
	audience string
	sink     events.Sink
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewAuthority(matcher Matcher, signer *auth.TokenSigner, guard replay.Guard, sink events.Sink, m *metrics.Metrics, opts ...AuthorityOption) *Authority {
	if guard == nil {
		guard = replay.NewMemoryGuard()
	}
	if sink == nil {
		sink = events.Discard
	}
	a := &Authority{
		matcher: matcher,
		signer:  signer,
		guard:   guard,
		sink:    sink,
		metrics: m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// exchange carries the state of one ExchangeForToken call.
type exchange struct {
	stage     Stage
	clientID  string
	family    string
	given     []string
	birthDate string
}

// ExchangeForToken validates rawAssertion and the permission ticket inside
// it, matches the ticket's demographics against the ledger and issues an
// access token bound to the matched canonical patient. Failures are
// returned as *Rejected; any other error is an internal fault.
func (a *Authority) ExchangeForToken(ctx context.Context, rawAssertion string) (*AccessToken, error) {
	x := &exchange{stage: StageRequested}

	if strings.TrimSpace(rawAssertion) == "" {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidRequest, "Missing client_assertion")
	}

	var assertion AssertionClaims
	if err := auth.DecodeEnvelope(rawAssertion, &assertion); err != nil {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidRequest, "client_assertion is not a decodable JWT")
	}
	x.stage = StageAssertionDecoded
	x.clientID = assertion.Subject
	if x.clientID == "" {
		x.clientID = assertion.Issuer
	}
	a.sink.Emit(ctx, events.New(events.AssertionReceived,
		fmt.Sprintf("Client assertion from %s", orUnknown(assertion.Issuer))).
		With("iss", assertion.Issuer).
		With("jti", assertion.ID))

	now := a.now()
	if assertion.ExpiresAt == nil || !now.Before(assertion.ExpiresAt.Time) {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidRequest, "client_assertion is expired")
	}
	if assertion.ID == "" {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidRequest, "client_assertion has no jti")
	}
	if a.audience != "" && !containsString(assertion.Audience, a.audience) {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidRequest,
			fmt.Sprintf("client_assertion audience does not include %s", a.audience))
	}
	if assertion.PermissionTicket == "" {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidRequest, "No permission ticket in client_assertion")
	}

	fresh, err := a.guard.Claim(ctx, assertion.ID, assertion.ExpiresAt.Time)
	if err != nil {
		return nil, fmt.Errorf("claim assertion jti: %w", err)
	}
	if !fresh {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidRequest, "client_assertion has already been used")
	}

	var ticket TicketClaims
	if err := auth.DecodeEnvelope(assertion.PermissionTicket, &ticket); err != nil {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidGrant, "permission ticket is malformed")
	}
	if ticket.ExpiresAt == nil || !now.Before(ticket.ExpiresAt.Time) {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidGrant, "permission ticket is expired")
	}
	tc := ticket.TicketContext
	if tc == nil || tc.Subject.Traits == nil || len(tc.Subject.Traits.Name) == 0 {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidGrant, "permission ticket has no subject traits")
	}
	traits := tc.Subject.Traits
	name := traits.Name[0]
	x.family, x.given, x.birthDate = name.Family, name.Given, traits.BirthDate
	if name.Family == "" || traits.BirthDate == "" {
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidGrant, "permission ticket traits need a family name and birthDate")
	}

	x.stage = StageTicketExtracted
	a.sink.Emit(ctx, events.New(events.TicketExtracted,
		fmt.Sprintf("Permission ticket from %s: %s, DOB %s", ticket.Issuer, name.Text(), traits.BirthDate)).
		With("permissionTicket", assertion.PermissionTicket).
		With("ticketIssuer", ticket.Issuer).
		With("scopes", tc.Capability.Scopes))

	record, ok := a.matcher.MatchName(name, traits.BirthDate)
	if !ok {
		a.sink.Emit(ctx, events.New(events.DemographicMatchFailed,
			fmt.Sprintf("No patient match for %s, DOB %s", name.Text(), traits.BirthDate)).
			With("family", name.Family).
			With("given", name.Given).
			With("birthDate", traits.BirthDate))
		return nil, a.reject(ctx, x, auth.ErrCodeInvalidGrant, "No matching patient found for ticket demographics")
	}

	x.stage = StageDemographicsMatched
	a.sink.Emit(ctx, events.New(events.DemographicMatchSuccess,
		fmt.Sprintf("Matched %s → %s", name.Text(), record.CanonicalID)).
		With("brokerId", record.CanonicalID))

	scope := strings.Join(tc.Capability.Scopes, " ")
	if scope == "" {
		scope = DefaultScope
	}
	raw, _, err := a.signer.Issue(x.clientID, record.CanonicalID, scope)
	if err != nil {
		return nil, err
	}

	x.stage = StageTokenIssued
	a.metrics.IncTokenExchange(metrics.OutcomeIssued)
	a.sink.Emit(ctx, events.New(events.TokenIssued,
		fmt.Sprintf("Token issued for patient %s, scopes: %s", record.CanonicalID, scope)).
		With("patient", record.CanonicalID).
		With("scope", scope).
		With("client", x.clientID))

	return &AccessToken{
		AccessToken: raw,
		TokenType:   "bearer",
		ExpiresIn:   int(a.signer.Lifetime().Seconds()),
		Patient:     record.CanonicalID,
		Scope:       scope,
	}, nil
}

func (a *Authority) reject(ctx context.Context, x *exchange, reason, description string) *Rejected {
	r := &Rejected{Reason: reason, Stage: x.stage, Description: description}
	a.metrics.IncTokenExchange(reason)

	evt := events.New(events.TokenError, description).
		With("error", reason).
		With("stage", string(x.stage))
	if x.clientID != "" {
		evt = evt.With("client", x.clientID)
	}
	if x.family != "" || x.birthDate != "" {
		evt = evt.With("family", x.family).
			With("given", x.given).
			With("birthDate", x.birthDate)
	}
	a.sink.Emit(ctx, evt)
	return r
}

// AsRejected reports whether err is a token exchange rejection.
func AsRejected(err error) (*Rejected, bool) {
	var r *Rejected
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
