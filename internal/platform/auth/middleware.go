package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SubjectKey contextKey = "token_subject"
	PatientKey contextKey = "token_patient"
	ScopesKey  contextKey = "token_scopes"
)

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// BearerMiddleware rejects requests without a token issued by signer and
// places the token's subject, patient and scopes on the request context.
func BearerMiddleware(signer *TokenSigner) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := BearerToken(c.Request().Header.Get("Authorization"))
			if !ok {
				return c.JSON(http.StatusUnauthorized, &OAuthError{
					Code:        ErrCodeInvalidToken,
					Description: "missing bearer token",
				})
			}

			claims, err := signer.Verify(raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, &OAuthError{
					Code:        ErrCodeInvalidToken,
					Description: "token is invalid or expired",
				})
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, SubjectKey, claims.Subject)
			ctx = context.WithValue(ctx, PatientKey, claims.Patient)
			ctx = context.WithValue(ctx, ScopesKey, strings.Fields(claims.Scope))
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(SubjectKey).(string)
	return sub
}

func PatientFromContext(ctx context.Context) string {
	p, _ := ctx.Value(PatientKey).(string)
	return p
}

func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(ScopesKey).([]string)
	return scopes
}
