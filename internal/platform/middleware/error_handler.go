package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/bulkmatch/internal/platform/fhir"
)

// ErrorHandler renders errors that reach echo as OperationOutcome JSON.
// Anything that is not an *echo.HTTPError becomes a generic internal
// error; the cause is logged only.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "internal server error"
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprintf("%v", he.Message)
		} else {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		var outcome *fhir.OperationOutcome
		switch {
		case code >= 500:
			outcome = fhir.InternalErrorOutcome("internal server error")
		case code == http.StatusNotFound:
			outcome = fhir.NotFoundOutcome(msg)
		case code == http.StatusTooManyRequests:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeThrottled, msg)
		case code == http.StatusRequestEntityTooLarge:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTooCostly, msg)
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			outcome = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeSecurity, msg)
		default:
			outcome = fhir.InvalidOutcome(msg)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, outcome)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
