package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Simulated registration-level faults carried in ClientDescriptor.Err.
const (
	FaultExpiredRegistration = "expired_registration_token"
	FaultInvalidScope        = "invalid_scope"
	FaultInvalidClient       = "invalid_client"
)

// ClientDescriptor is everything the server knows about a client. It is
// never stored; it travels inside the signed token that serves as the
// client_id.
type ClientDescriptor struct {
	JWKS                 json.RawMessage `json:"jwks,omitempty"`
	JWKSURL              string          `json:"jwks_url,omitempty"`
	Err                  string          `json:"err,omitempty"`
	FakeMatches          int             `json:"fakeMatches,omitempty"`
	Duplicates           int             `json:"duplicates,omitempty"`
	MatchServer          string          `json:"matchServer,omitempty"`
	MatchToken           string          `json:"matchToken,omitempty"`
	AccessTokensExpireIn int             `json:"accessTokensExpireIn,omitempty"` // minutes
}

type descriptorClaims struct {
	ClientDescriptor
	jwt.RegisteredClaims
}

// Registrar issues and verifies client descriptor tokens.
type Registrar struct {
	secret []byte
	now    func() time.Time
}

func NewRegistrar(secret []byte) *Registrar {
	return &Registrar{secret: secret, now: time.Now}
}

// Register validates d and returns its signed descriptor token.
func (r *Registrar) Register(d ClientDescriptor) (string, error) {
	if len(d.JWKS) == 0 && d.JWKSURL == "" {
		return "", oauthErr(ErrInvalidRequest, "either jwks or jwks_url is required")
	}
	if len(d.JWKS) > 0 {
		if _, err := parseKeySet(d.JWKS); err != nil {
			return "", oauthErr(ErrInvalidRequest, "invalid jwks: %v", err)
		}
	}
	if d.JWKSURL != "" && !isAbsoluteHTTP(d.JWKSURL) {
		return "", oauthErr(ErrInvalidRequest, "jwks_url must be an absolute http(s) URL")
	}
	if d.MatchServer != "" && !isAbsoluteHTTP(d.MatchServer) {
		return "", oauthErr(ErrInvalidRequest, "matchServer must be an absolute http(s) URL")
	}
	if d.FakeMatches < 0 || d.FakeMatches > 100 {
		return "", oauthErr(ErrInvalidRequest, "fakeMatches must be between 0 and 100")
	}
	if d.Duplicates < 0 || d.Duplicates > 100 {
		return "", oauthErr(ErrInvalidRequest, "duplicates must be between 0 and 100")
	}
	if d.AccessTokensExpireIn < 0 {
		return "", oauthErr(ErrInvalidRequest, "accessTokensExpireIn must not be negative")
	}

	claims := descriptorClaims{
		ClientDescriptor: d,
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(r.now())},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("signing client descriptor: %w", err)
	}
	return signed, nil
}

// Decode verifies a descriptor token and returns its contents.
func (r *Registrar) Decode(token string) (*ClientDescriptor, error) {
	if token == "" {
		return nil, errors.New("empty client id")
	}
	var claims descriptorClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(r.now))
	if err != nil {
		return nil, fmt.Errorf("verify client descriptor: %w", err)
	}
	return &claims.ClientDescriptor, nil
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
