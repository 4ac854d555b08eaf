package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/bulkmatch/internal/platform/fhir"
)

// RequestTimeout sets a deadline on each request context. A handler that
// returns after the deadline has passed gets a 504 with an
// OperationOutcome, unless the response is already committed. Paths with
// one of the skip prefixes (file downloads) get no deadline.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range skipPrefixes {
				if strings.Contains(path, p) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, fhir.IssueTypeTimeout,
					"Request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}
