package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/broker/internal/platform/fhir"
)

// Recovery stops a panicking handler from taking down the other services
// mounted on the same server. The panic is logged against the service that
// owns the route and the caller gets a 500 OperationOutcome naming that
// service and the request id it can quote back.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				req := c.Request()
				service := ServiceName(req.URL.Path)
				requestID, _ := c.Get("request_id").(string)

				logger.Error().
					Str("request_id", requestID).
					Str("service", service).
					Str("method", req.Method).
					Str("route", c.Path()).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")

				if c.Response().Committed {
					// Headers are gone; let echo close out the response.
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
					return
				}
				msg := fmt.Sprintf("%s: internal server error", service)
				if requestID != "" {
					msg += " (request " + requestID + ")"
				}
				err = c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(msg))
			}()
			return next(c)
		}
	}
}
