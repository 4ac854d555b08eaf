package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// BaseURL returns configured when set, otherwise the scheme and host the
// request arrived on.
func BaseURL(c echo.Context, configured string) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	return c.Scheme() + "://" + c.Request().Host
}
