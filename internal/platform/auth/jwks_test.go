package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPJWKSFetcher(t *testing.T) {
	key := newRSAKey(t, "k1")
	doc := jwks(t, []string{"verify"}, key)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jwks":
			if r.Header.Get("Accept") != "application/json" {
				t.Errorf("expected Accept application/json, got %q", r.Header.Get("Accept"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(doc)
		case "/html":
			_, _ = w.Write([]byte("<html></html>"))
		default:
			http.Error(w, "nope", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := NewHTTPJWKSFetcher(2 * time.Second)

	got, err := f.Fetch(context.Background(), srv.URL+"/jwks")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	entries, err := decodeKeySet(got, true)
	if err != nil {
		t.Fatalf("decodeKeySet failed: %v", err)
	}
	if len(entries) != 1 || entries[0].kid != "k1" {
		t.Errorf("unexpected entries: %+v", entries)
	}

	if _, err := f.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for non-200 response")
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/html"); err == nil {
		t.Error("expected error for non-JSON response")
	}
}

func TestDecodeKeySet_StrictAndLenient(t *testing.T) {
	key := newRSAKey(t, "k1")
	var good map[string][]json.RawMessage
	if err := json.Unmarshal(jwks(t, []string{"verify"}, key), &good); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mixed, _ := json.Marshal(map[string]interface{}{
		"keys": []json.RawMessage{json.RawMessage(`{"kty":"RSA","kid":"bad","n":"!!"}`), good["keys"][0]},
	})

	if _, err := decodeKeySet(mixed, true); err == nil {
		t.Error("expected strict decode to fail on a bad key")
	}
	entries, err := decodeKeySet(mixed, false)
	if err != nil {
		t.Fatalf("lenient decode failed: %v", err)
	}
	if len(entries) != 1 || entries[0].kid != "k1" {
		t.Errorf("expected only the good key, got %+v", entries)
	}

	if _, err := decodeKeySet(json.RawMessage(`{}`), false); err == nil {
		t.Error("expected error for a document without keys")
	}
	if _, err := decodeKeySet(json.RawMessage(`[`), false); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestVerificationKeys(t *testing.T) {
	rsaKey := newRSAKey(t, "shared")
	ecKey := newECKey(t, "shared")
	signOnly := newRSAKey(t, "shared")

	var entries []jwkEntry
	for _, doc := range []json.RawMessage{
		jwks(t, []string{"verify"}, rsaKey, ecKey),
		jwks(t, []string{"sign"}, signOnly),
		json.RawMessage(`{"keys":[{"kty":"oct","kid":"shared","k":"c2VjcmV0","key_ops":["verify"]}]}`),
	} {
		e, err := decodeKeySet(doc, true)
		if err != nil {
			t.Fatalf("decodeKeySet failed: %v", err)
		}
		entries = append(entries, e...)
	}

	keys := verificationKeys(entries, "shared")
	if len(keys) != 2 {
		t.Fatalf("expected 2 asymmetric verify keys, got %d", len(keys))
	}
	if len(verificationKeys(entries, "nobody")) != 0 {
		t.Error("expected no keys for unknown kid")
	}
}
