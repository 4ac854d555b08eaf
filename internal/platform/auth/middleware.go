package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const clientContextKey contextKey = "bulkmatch_client"

// ClientContext is the authenticated caller as seen by job handlers.
type ClientContext struct {
	ClientID string
	Scope    string
	Client   *ClientDescriptor
}

// ClientFromContext returns the caller attached by BearerMiddleware, or
// nil for unauthenticated requests.
func ClientFromContext(ctx context.Context) *ClientContext {
	cc, _ := ctx.Value(clientContextKey).(*ClientContext)
	return cc
}

// WithClient returns a context carrying cc.
func WithClient(ctx context.Context, cc *ClientContext) context.Context {
	return context.WithValue(ctx, clientContextKey, cc)
}

// BearerConfig configures BearerMiddleware.
type BearerConfig struct {
	Tokens    *TokenService
	Registrar *Registrar
	// Required rejects requests without a bearer token. When false a
	// missing header passes through, but a present one must still verify.
	Required bool
}

// BearerMiddleware verifies access tokens issued by the token endpoint.
func BearerMiddleware(cfg BearerConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				if cfg.Required {
					return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
				}
				return next(c)
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := cfg.Tokens.VerifyAccessToken(strings.TrimSpace(parts[1]))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
			}
			client, err := cfg.Registrar.Decode(claims.ClientID)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid client in access token")
			}

			cc := &ClientContext{ClientID: claims.ClientID, Scope: claims.Scope, Client: client}
			ctx := WithClient(c.Request().Context(), cc)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
