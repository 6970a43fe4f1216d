package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func runBearer(t *testing.T, signer *TokenSigner, header string) (*httptest.ResponseRecorder, bool, echo.Context) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Subscription", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	called := false
	var seen echo.Context
	handler := func(c echo.Context) error {
		called = true
		seen = c
		return c.String(http.StatusOK, "ok")
	}

	if err := BearerMiddleware(signer)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec, called, seen
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBearerMiddleware_MissingHeader(t *testing.T) {
	signer := NewTokenSigner(testSigningKey, "https://broker.example", time.Hour)

	rec, called, _ := runBearer(t, signer, "")
	if called {
		t.Error("handler should not be called without a token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ErrCodeInvalidToken) {
		t.Errorf("expected %s in body, got %s", ErrCodeInvalidToken, rec.Body.String())
	}
}

func TestBearerMiddleware_WrongKey(t *testing.T) {
	other := NewTokenSigner([]byte("some-other-key"), "https://broker.example", time.Hour)
	raw, _, err := other.Issue("client", "broker-abc123", "patient/Encounter.rs")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	signer := NewTokenSigner(testSigningKey, "https://broker.example", time.Hour)
	rec, called, _ := runBearer(t, signer, "Bearer "+raw)
	if called {
		t.Error("handler should not be called with a foreign token")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestBearerMiddleware_ValidToken(t *testing.T) {
	signer := NewTokenSigner(testSigningKey, "https://broker.example", time.Hour)
	raw, _, err := signer.Issue("https://ias-client.example.com", "broker-abc123", "patient/Encounter.rs patient/Patient.r")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rec, called, c := runBearer(t, signer, "Bearer "+raw)
	if !called {
		t.Fatalf("handler not called, status %d: %s", rec.Code, rec.Body.String())
	}

	ctx := c.Request().Context()
	if got := SubjectFromContext(ctx); got != "https://ias-client.example.com" {
		t.Errorf("subject = %q", got)
	}
	if got := PatientFromContext(ctx); got != "broker-abc123" {
		t.Errorf("patient = %q", got)
	}
	if got := ScopesFromContext(ctx); len(got) != 2 || got[0] != "patient/Encounter.rs" {
		t.Errorf("scopes = %v", got)
	}
}
