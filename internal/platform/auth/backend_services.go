package auth

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	GrantTypeClientCredentials = "client_credentials"
	AssertionTypeJWTBearer     = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	formContentType            = "application/x-www-form-urlencoded"
)

// SupportedAlgorithms are the only signing algorithms accepted on client
// assertions.
var SupportedAlgorithms = []string{"RS384", "ES384"}

// SupportedScopes is the full set of scopes the server grants.
var SupportedScopes = []string{
	"system/Patient.rs",
	"system/Patient.read",
	"system/*.rs",
	"system/*.read",
}

// ---------------------------------------------------------------------------
// Data Structures
// ---------------------------------------------------------------------------

// TokenRequest is a client_credentials request as received by the token
// endpoint. Endpoint is the exact token URL the assertion must be
// addressed to.
type TokenRequest struct {
	ContentType         string
	GrantType           string
	ClientAssertionType string
	ClientAssertion     string
	Scope               string
	Endpoint            string
}

// TokenResponse is the token response returned to backend service clients.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// AccessClaims are the claims of an issued access token. ClientID is the
// client's descriptor token.
type AccessClaims struct {
	TokenType string `json:"token_type"`
	Scope     string `json:"scope"`
	ClientID  string `json:"client_id"`
	ExpiresIn int    `json:"expires_in"`
	jwt.RegisteredClaims
}

// TokenConfig bounds issued access token lifetimes.
type TokenConfig struct {
	// DefaultLifetime applies when the client registered no lifetime.
	DefaultLifetime time.Duration
	// MaxLifetime caps every issued token.
	MaxLifetime time.Duration
}

// ---------------------------------------------------------------------------
// Token Service
// ---------------------------------------------------------------------------

// TokenService implements the backend-services client_credentials grant
// with JWT-bearer client assertions.
type TokenService struct {
	registrar *Registrar
	fetcher   JWKSFetcher
	secret    []byte
	cfg       TokenConfig
	now       func() time.Time
}

func NewTokenService(registrar *Registrar, fetcher JWKSFetcher, secret []byte, cfg TokenConfig) *TokenService {
	return &TokenService{
		registrar: registrar,
		fetcher:   fetcher,
		secret:    secret,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Exchange runs every check in a fixed order and returns the first
// failure as an *OAuthError.
func (s *TokenService) Exchange(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(req.ContentType)
	if mediaType != formContentType {
		return nil, oauthErr(ErrInvalidRequest, "Invalid request content-type header (must be %q)", formContentType)
	}
	if req.GrantType != GrantTypeClientCredentials {
		return nil, oauthErr(ErrUnsupportedGrantType, "The grant_type parameter should equal %q", GrantTypeClientCredentials)
	}
	if req.ClientAssertionType != AssertionTypeJWTBearer {
		return nil, oauthErr(ErrInvalidRequest, "Invalid client_assertion_type parameter. Must be %q", AssertionTypeJWTBearer)
	}
	if req.ClientAssertion == "" {
		return nil, oauthErr(ErrInvalidRequest, "Missing client_assertion parameter")
	}

	// ---------------------------------------------------------------
	// Decode the assertion without verifying it
	// ---------------------------------------------------------------
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverified, _, err := parser.ParseUnverified(req.ClientAssertion, jwt.MapClaims{})
	if err != nil {
		return nil, oauthErr(ErrInvalidRequest, "Invalid registration token: %v", err)
	}
	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, oauthErr(ErrInvalidRequest, "Invalid registration token claims")
	}

	issuer, _ := claims["iss"].(string)
	subject, _ := claims["sub"].(string)
	if issuer == "" || issuer != subject {
		return nil, oauthErr(ErrInvalidRequest, "The token sub and iss claims must be present and equal")
	}

	client, err := s.registrar.Decode(subject)
	if err != nil {
		return nil, oauthErr(ErrInvalidClient, "Invalid client_id: %v", err)
	}

	switch client.Err {
	case FaultExpiredRegistration:
		return nil, oauthErr(ErrInvalidClient, "Registration token expired")
	case FaultInvalidScope:
		return nil, oauthErr(ErrInvalidScope, "Simulated invalid scope error")
	case FaultInvalidClient:
		return nil, oauthErr(ErrInvalidClient, "Simulated invalid client error")
	}

	if !audienceMatches(claims["aud"], req.Endpoint) {
		return nil, oauthErr(ErrInvalidClient, "Invalid token 'aud' value. Must be %q", req.Endpoint)
	}

	// ---------------------------------------------------------------
	// Key headers
	// ---------------------------------------------------------------
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, oauthErr(ErrInvalidRequest, "The registration header must have a kid header")
	}
	if jku, ok := unverified.Header["jku"].(string); ok && jku != "" && jku != client.JWKSURL {
		return nil, oauthErr(ErrInvalidGrant, "The provided jku %q is different than the one used at registration time", jku)
	}

	keys, err := s.resolveKeys(ctx, client, kid)
	if err != nil {
		return nil, oauthErr(ErrInvalidClient, "Unable to obtain public keys: %v", err)
	}
	if len(keys) == 0 {
		return nil, oauthErr(ErrInvalidGrant, "No public keys found in the JWKS with kid %q and key_ops including \"verify\"", kid)
	}

	exp, err := s.verifyAssertion(req.ClientAssertion, keys)
	if err != nil {
		return nil, err
	}

	// ---------------------------------------------------------------
	// Scope negotiation
	// ---------------------------------------------------------------
	if strings.TrimSpace(req.Scope) == "" {
		return nil, oauthErr(ErrInvalidRequest, "Missing scope parameter")
	}
	granted := negotiateScope(req.Scope)
	if granted == "" {
		return nil, oauthErr(ErrInvalidScope, "No access could be granted for scopes %q", req.Scope)
	}

	return s.issue(subject, client, granted, exp)
}

// resolveKeys merges the client's remote and inline key sets and keeps
// the keys usable for verifying kid.
func (s *TokenService) resolveKeys(ctx context.Context, client *ClientDescriptor, kid string) ([]interface{}, error) {
	var entries []jwkEntry
	if client.JWKSURL != "" {
		raw, err := s.fetcher.Fetch(ctx, client.JWKSURL)
		if err != nil {
			return nil, err
		}
		remote, err := decodeKeySet(raw, false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, remote...)
	}
	if len(client.JWKS) > 0 {
		inline, err := decodeKeySet(client.JWKS, false)
		if err != nil {
			return nil, err
		}
		entries = append(entries, inline...)
	}
	return verificationKeys(entries, kid), nil
}

// verifyAssertion returns the assertion's expiry once any key verifies it.
func (s *TokenService) verifyAssertion(assertion string, keys []interface{}) (time.Time, error) {
	var lastErr error
	for _, key := range keys {
		k := key
		token, err := jwt.Parse(assertion, func(*jwt.Token) (interface{}, error) {
			return k, nil
		},
			jwt.WithValidMethods(SupportedAlgorithms),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(s.now),
		)
		if err == nil && token.Valid {
			exp, err := token.Claims.GetExpirationTime()
			if err != nil || exp == nil {
				return time.Time{}, oauthErr(ErrInvalidGrant, "Invalid exp claim")
			}
			return exp.Time, nil
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return time.Time{}, oauthErr(ErrInvalidGrant, "Client assertion has expired")
		}
		lastErr = err
	}
	return time.Time{}, oauthErr(ErrInvalidGrant, "Unable to verify the token with any of the public keys found: %v", lastErr)
}

func (s *TokenService) issue(clientID string, client *ClientDescriptor, scope string, assertionExp time.Time) (*TokenResponse, error) {
	now := s.now()
	expiresIn := int(assertionExp.Sub(now).Seconds())
	if lifetime := s.lifetime(client); expiresIn > lifetime {
		expiresIn = lifetime
	}
	if expiresIn < 1 {
		return nil, oauthErr(ErrInvalidGrant, "Client assertion has expired")
	}

	claims := AccessClaims{
		TokenType: "bearer",
		Scope:     scope,
		ClientID:  clientID,
		ExpiresIn: expiresIn,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expiresIn) * time.Second)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresIn:   expiresIn,
		Scope:       scope,
	}, nil
}

// lifetime is the client's registered lifetime (or the default) capped by
// the server maximum, in seconds.
func (s *TokenService) lifetime(client *ClientDescriptor) int {
	lt := s.cfg.DefaultLifetime
	if client.AccessTokensExpireIn > 0 {
		lt = time.Duration(client.AccessTokensExpireIn) * time.Minute
	}
	if s.cfg.MaxLifetime > 0 && lt > s.cfg.MaxLifetime {
		lt = s.cfg.MaxLifetime
	}
	return int(lt.Seconds())
}

// VerifyAccessToken validates an access token issued by Exchange.
func (s *TokenService) VerifyAccessToken(token string) (*AccessClaims, error) {
	var claims AccessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.ClientID == "" {
		return nil, errors.New("access token has no client_id")
	}
	return &claims, nil
}

// negotiateScope intersects the requested scopes with SupportedScopes,
// keeping the requested order.
func negotiateScope(requested string) string {
	var granted []string
	seen := make(map[string]bool)
	for _, sc := range strings.Fields(requested) {
		if seen[sc] {
			continue
		}
		for _, sup := range SupportedScopes {
			if sc == sup {
				granted = append(granted, sc)
				seen[sc] = true
				break
			}
		}
	}
	return strings.Join(granted, " ")
}

// audienceMatches checks the aud claim matches the token endpoint URL.
// aud can be a string or an array of strings per RFC 7519.
func audienceMatches(aud interface{}, endpoint string) bool {
	switch v := aud.(type) {
	case string:
		return v == endpoint
	case []interface{}:
		for _, a := range v {
			if s, ok := a.(string); ok && s == endpoint {
				return true
			}
		}
	}
	return false
}
