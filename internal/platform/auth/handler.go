package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/bulkmatch/internal/platform/middleware"
	"github.com/ehr/bulkmatch/internal/platform/telemetry"
)

const (
	TokenPath        = "/auth/token"
	RegistrationPath = "/auth/register"
)

// Handler serves client registration, token exchange and SMART discovery.
type Handler struct {
	registrar *Registrar
	tokens    *TokenService
	baseURL   string
	logger    zerolog.Logger
}

func NewHandler(registrar *Registrar, tokens *TokenService, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{registrar: registrar, tokens: tokens, baseURL: baseURL, logger: logger}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST(RegistrationPath, h.handleRegister)
	e.POST(TokenPath, h.handleToken)
	e.GET("/.well-known/smart-configuration", h.handleSMARTConfiguration)
}

// handleRegister handles POST /auth/register. The response body is the
// client_id as plain text.
func (h *Handler) handleRegister(c echo.Context) error {
	d := ClientDescriptor{
		JWKSURL:     strings.TrimSpace(c.FormValue("jwks_url")),
		Err:         c.FormValue("err"),
		MatchServer: strings.TrimSpace(c.FormValue("matchServer")),
		MatchToken:  c.FormValue("matchToken"),
	}
	if raw := strings.TrimSpace(c.FormValue("jwks")); raw != "" {
		if !json.Valid([]byte(raw)) {
			return h.oauthError(c, oauthErr(ErrInvalidRequest, "jwks must be a JSON document"))
		}
		d.JWKS = json.RawMessage(raw)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"fakeMatches", &d.FakeMatches},
		{"duplicates", &d.Duplicates},
		{"accessTokensExpireIn", &d.AccessTokensExpireIn},
	}
	for _, f := range ints {
		v := strings.TrimSpace(c.FormValue(f.name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return h.oauthError(c, oauthErr(ErrInvalidRequest, "%s must be an integer", f.name))
		}
		*f.dst = n
	}

	token, err := h.registrar.Register(d)
	if err != nil {
		return h.oauthError(c, err)
	}
	return c.String(http.StatusOK, token)
}

// handleToken handles POST /auth/token.
func (h *Handler) handleToken(c echo.Context) error {
	req := TokenRequest{
		ContentType:         c.Request().Header.Get(echo.HeaderContentType),
		GrantType:           c.FormValue("grant_type"),
		ClientAssertionType: c.FormValue("client_assertion_type"),
		ClientAssertion:     c.FormValue("client_assertion"),
		Scope:               c.FormValue("scope"),
		Endpoint:            middleware.BaseURL(c, h.baseURL) + TokenPath,
	}

	resp, err := h.tokens.Exchange(c.Request().Context(), req)
	if err != nil {
		return h.oauthError(c, err)
	}
	telemetry.TokenRequests.WithLabelValues("ok").Inc()

	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) oauthError(c echo.Context, err error) error {
	var oe *OAuthError
	if !errors.As(err, &oe) {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("auth request failed")
		oe = &OAuthError{Code: "server_error", Description: "internal server error"}
	}
	if c.Path() == TokenPath {
		telemetry.TokenRequests.WithLabelValues(oe.Code).Inc()
	}
	h.logger.Debug().Str("error", oe.Code).Str("description", oe.Description).Str("path", c.Path()).Msg("oauth error")
	return c.JSON(oe.Status(), oe)
}

// handleSMARTConfiguration handles GET /.well-known/smart-configuration.
func (h *Handler) handleSMARTConfiguration(c echo.Context) error {
	base := middleware.BaseURL(c, h.baseURL)
	cfg := map[string]interface{}{
		"token_endpoint":                                   base + TokenPath,
		"registration_endpoint":                            base + RegistrationPath,
		"token_endpoint_auth_methods_supported":            []string{"private_key_jwt"},
		"token_endpoint_auth_signing_alg_values_supported": SupportedAlgorithms,
		"scopes_supported":                                 SupportedScopes,
		"grant_types_supported":                            []string{GrantTypeClientCredentials},
		"capabilities":                                     []string{"client-confidential-asymmetric"},
	}
	return c.JSON(http.StatusOK, cfg)
}
