package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/referral/internal/platform/fhir"
)

// RequestTimeout sets a context deadline on each request. When the deadline
// passes before the handler returns, the client gets a 504. Under /fhir/ the
// body is an OperationOutcome, elsewhere a plain JSON message.
//
// The ledger append runs inside a transaction bound to the request context,
// so a timed-out operation either committed fully or not at all.
// Paths listed in skip (prefix match) run without a deadline.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || skipped(c.Request().URL.Path, skip) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return gatewayTimeout(c)
				}
				// Client went away.
				return ctx.Err()
			}
		}
	}
}

func skipped(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func gatewayTimeout(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	const msg = "request processing exceeded the allowed time limit"
	if strings.HasPrefix(c.Request().URL.Path, "/fhir/") {
		return c.JSON(http.StatusGatewayTimeout, fhir.OutcomeForStatus(http.StatusGatewayTimeout, msg))
	}
	return c.JSON(http.StatusGatewayTimeout, map[string]string{"message": msg})
}
