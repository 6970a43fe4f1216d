package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Services mounted on the shared server, keyed by path prefix.
var servicePrefixes = []string{"broker", "mercy-ehr", "client", "idp"}

// ServiceName maps a request path to the simulated service that owns it.
func ServiceName(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	for _, p := range servicePrefixes {
		if trimmed == p || strings.HasPrefix(trimmed, p+"/") {
			return p
		}
	}
	return "server"
}

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)
			if err != nil {
				// Let echo render the error so the logged status matches the response.
				c.Error(err)
			}

			status := c.Response().Status
			evt := logger.Info()
			switch {
			case err != nil || status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			}

			evt.
				Str("request_id", rid).
				Str("service", ServiceName(req.URL.Path)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return nil
		}
	}
}
