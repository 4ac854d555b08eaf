package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const testBaseURL = "https://match.example.com"

func newTestHandler(t *testing.T) (*echo.Echo, *TokenService, *Registrar) {
	t.Helper()
	svc, reg := newTestService(t, nil, defaultTokenConfig)
	e := echo.New()
	NewHandler(reg, svc, testBaseURL, zerolog.Nop()).RegisterRoutes(e)
	return e, svc, reg
}

func postForm(e *echo.Echo, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeOAuthError(t *testing.T, rec *httptest.ResponseRecorder) OAuthError {
	t.Helper()
	var oe OAuthError
	if err := json.Unmarshal(rec.Body.Bytes(), &oe); err != nil {
		t.Fatalf("invalid OAuth error body %q: %v", rec.Body.String(), err)
	}
	return oe
}

func TestHandleRegister(t *testing.T) {
	e, _, reg := newTestHandler(t)
	key := newRSAKey(t, "k1")

	rec := postForm(e, RegistrationPath, url.Values{
		"jwks":        {string(jwks(t, []string{"verify"}, key))},
		"fakeMatches": {"25"},
		"duplicates":  {"10"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("expected text/plain, got %q", ct)
	}
	d, err := reg.Decode(rec.Body.String())
	if err != nil {
		t.Fatalf("registered token does not decode: %v", err)
	}
	if d.FakeMatches != 25 || d.Duplicates != 10 {
		t.Errorf("unexpected descriptor: %+v", d)
	}
}

func TestHandleRegister_Errors(t *testing.T) {
	e, _, _ := newTestHandler(t)

	tests := []struct {
		name string
		form url.Values
	}{
		{"no key source", url.Values{"fakeMatches": {"10"}}},
		{"non-integer percent", url.Values{"jwks_url": {testJWKSURL}, "fakeMatches": {"ten"}}},
		{"jwks not JSON", url.Values{"jwks": {"{not json"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postForm(e, RegistrationPath, tt.form)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if oe := decodeOAuthError(t, rec); oe.Code != ErrInvalidRequest {
				t.Errorf("expected invalid_request, got %q", oe.Code)
			}
		})
	}
}

func TestHandleToken(t *testing.T) {
	e, svc, reg := newTestHandler(t)
	key := newRSAKey(t, "k1")
	clientID := register(t, reg, ClientDescriptor{JWKS: jwks(t, []string{"verify"}, key)})

	rec := postForm(e, TokenPath, url.Values{
		"grant_type":            {GrantTypeClientCredentials},
		"client_assertion_type": {AssertionTypeJWTBearer},
		"client_assertion":      {createAssertion(t, key, clientID, assertionOpts{aud: testBaseURL + TokenPath})},
		"scope":                 {"system/Patient.rs"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected Cache-Control: no-store")
	}
	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid token response: %v", err)
	}
	if _, err := svc.VerifyAccessToken(resp.AccessToken); err != nil {
		t.Errorf("issued token does not verify: %v", err)
	}
}

func TestHandleToken_ErrorStatus(t *testing.T) {
	e, _, reg := newTestHandler(t)
	key := newRSAKey(t, "k1")
	clientID := register(t, reg, ClientDescriptor{JWKS: jwks(t, []string{"verify"}, key), Err: FaultInvalidClient})

	rec := postForm(e, TokenPath, url.Values{
		"grant_type":            {GrantTypeClientCredentials},
		"client_assertion_type": {AssertionTypeJWTBearer},
		"client_assertion":      {createAssertion(t, key, clientID, assertionOpts{aud: testBaseURL + TokenPath})},
		"scope":                 {"system/Patient.rs"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if oe := decodeOAuthError(t, rec); oe.Code != ErrInvalidClient || oe.Description == "" {
		t.Errorf("unexpected error body: %+v", oe)
	}

	rec = postForm(e, TokenPath, url.Values{"grant_type": {"password"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if oe := decodeOAuthError(t, rec); oe.Code != ErrUnsupportedGrantType {
		t.Errorf("expected unsupported_grant_type, got %q", oe.Code)
	}
}

func TestHandleSMARTConfiguration(t *testing.T) {
	e, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/smart-configuration", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var cfg map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if cfg["token_endpoint"] != testBaseURL+TokenPath {
		t.Errorf("unexpected token_endpoint %v", cfg["token_endpoint"])
	}
	if cfg["registration_endpoint"] != testBaseURL+RegistrationPath {
		t.Errorf("unexpected registration_endpoint %v", cfg["registration_endpoint"])
	}
	methods, _ := cfg["token_endpoint_auth_methods_supported"].([]interface{})
	if len(methods) != 1 || methods[0] != "private_key_jwt" {
		t.Errorf("unexpected auth methods %v", methods)
	}
	algs, _ := cfg["token_endpoint_auth_signing_alg_values_supported"].([]interface{})
	if len(algs) != 2 {
		t.Errorf("expected 2 signing algorithms, got %v", algs)
	}
}
