package middleware

import (
	"github.com/labstack/echo/v4"
)

var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
}

// SecurityHeaders marks every response as non-renderable JSON/NDJSON.
// Match results carry patient identities, so responses default to
// Cache-Control: no-store; a handler may still set its own value.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range securityHeaders {
				h.Set(kv[0], kv[1])
			}
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
