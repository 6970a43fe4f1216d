package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Envelopes are JWT-shaped documents exchanged between the identity-proofing
// issuer, the subscriber client and the broker (permission tickets and client
// assertions). Their signature segment is a placeholder: it is written but
// never checked. The logical claims and the exchange protocol are what the
// broker relies on.

var ErrMalformedEnvelope = errors.New("malformed envelope")

// placeholderMethod reports a real algorithm name in the header so decoders
// can look it up, but signs with a fixed marker and never verifies.
type placeholderMethod struct {
	alg    string
	marker string
}

func (m placeholderMethod) Alg() string { return m.alg }

func (m placeholderMethod) Sign(string, interface{}) ([]byte, error) {
	return []byte(m.marker), nil
}

func (m placeholderMethod) Verify(string, []byte, interface{}) error {
	return jwt.ErrTokenUnverifiable
}

var (
	// TicketSigning marks envelopes produced by the identity-proofing issuer.
	TicketSigning jwt.SigningMethod = placeholderMethod{alg: "ES256", marker: "mock-es256-signature"}

	// AssertionSigning marks client assertions.
	AssertionSigning jwt.SigningMethod = placeholderMethod{alg: "ES256", marker: "mock-client-assertion-sig"}
)

// EncodeEnvelope serializes claims with the given placeholder method and key id.
func EncodeEnvelope(method jwt.SigningMethod, kid string, claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	raw, err := tok.SignedString(nil)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// DecodeEnvelope parses the claims segment of raw into claims without
// checking the signature or any time-based claim. Callers validate expiry
// themselves so they can choose the rejection reason.
func DecodeEnvelope(raw string, claims jwt.Claims) error {
	if raw == "" {
		return ErrMalformedEnvelope
	}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}
