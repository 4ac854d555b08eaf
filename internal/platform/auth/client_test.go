package auth

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRegistrar_RoundTrip(t *testing.T) {
	reg := newTestRegistrar()
	key := newRSAKey(t, "k1")
	in := ClientDescriptor{
		JWKS:                 jwks(t, []string{"verify"}, key),
		Err:                  FaultInvalidScope,
		FakeMatches:          60,
		Duplicates:           20,
		MatchServer:          "https://upstream.example.com/fhir",
		MatchToken:           "upstream-token",
		AccessTokensExpireIn: 10,
	}
	token := register(t, reg, in)

	out, err := reg.Decode(token)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if out.Err != in.Err || out.FakeMatches != 60 || out.Duplicates != 20 {
		t.Errorf("unexpected descriptor: %+v", out)
	}
	if out.MatchServer != in.MatchServer || out.MatchToken != in.MatchToken || out.AccessTokensExpireIn != 10 {
		t.Errorf("unexpected descriptor: %+v", out)
	}
	if !json.Valid(out.JWKS) {
		t.Error("expected inline JWKS to survive round trip")
	}
}

func TestRegistrar_Validation(t *testing.T) {
	reg := newTestRegistrar()
	key := newRSAKey(t, "k1")
	good := jwks(t, []string{"verify"}, key)

	tests := []struct {
		name string
		d    ClientDescriptor
	}{
		{"no keys", ClientDescriptor{}},
		{"jwks without keys array", ClientDescriptor{JWKS: json.RawMessage(`{"foo":1}`)}},
		{"jwks with bad key", ClientDescriptor{JWKS: json.RawMessage(`{"keys":[{"kty":"RSA","n":"!!"}]}`)}},
		{"relative jwks_url", ClientDescriptor{JWKSURL: "/jwks.json"}},
		{"ftp jwks_url", ClientDescriptor{JWKSURL: "ftp://example.com/jwks.json"}},
		{"bad match server", ClientDescriptor{JWKS: good, MatchServer: "upstream"}},
		{"fakeMatches above 100", ClientDescriptor{JWKS: good, FakeMatches: 101}},
		{"negative duplicates", ClientDescriptor{JWKS: good, Duplicates: -1}},
		{"negative lifetime", ClientDescriptor{JWKS: good, AccessTokensExpireIn: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(tt.d)
			expectOAuthError(t, err, ErrInvalidRequest)
		})
	}
}

func TestRegistrar_DecodeRejectsTampering(t *testing.T) {
	reg := newTestRegistrar()
	token := register(t, reg, ClientDescriptor{JWKSURL: testJWKSURL})

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three part JWT, got %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := reg.Decode(tampered); err == nil {
		t.Error("expected tampered token to be rejected")
	}
	if _, err := reg.Decode(""); err == nil {
		t.Error("expected empty token to be rejected")
	}
	if _, err := NewRegistrar([]byte("another-secret")).Decode(token); err == nil {
		t.Error("expected token from another secret to be rejected")
	}
}
