package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const maxJWKSBytes = 1 << 20

// JWKSFetcher retrieves a JSON Web Key Set document.
type JWKSFetcher interface {
	Fetch(ctx context.Context, url string) (json.RawMessage, error)
}

// HTTPJWKSFetcher fetches key sets over HTTP. Key sets are not cached:
// every exchange sees the client's current keys.
type HTTPJWKSFetcher struct {
	client *http.Client
}

func NewHTTPJWKSFetcher(timeout time.Duration) *HTTPJWKSFetcher {
	return &HTTPJWKSFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *HTTPJWKSFetcher) Fetch(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("reading JWKS response: %w", err)
	}
	if !json.Valid(body) {
		return nil, errors.New("JWKS response is not JSON")
	}
	return body, nil
}

// jwkEntry is one parsed key plus the members go-jose does not expose.
type jwkEntry struct {
	kid    string
	keyOps []string
	key    jose.JSONWebKey
}

func (k jwkEntry) canVerify() bool {
	for _, op := range k.keyOps {
		if op == "verify" {
			return true
		}
	}
	return false
}

// parseKeySet decodes a JWKS document and fails on the first bad key.
func parseKeySet(raw json.RawMessage) ([]jwkEntry, error) {
	return decodeKeySet(raw, true)
}

func decodeKeySet(raw json.RawMessage, strict bool) ([]jwkEntry, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("key set has no keys array")
	}

	entries := make([]jwkEntry, 0, len(doc.Keys))
	for i, rk := range doc.Keys {
		var meta struct {
			KID    string   `json:"kid"`
			KeyOps []string `json:"key_ops"`
		}
		var key jose.JSONWebKey
		err := json.Unmarshal(rk, &meta)
		if err == nil {
			err = key.UnmarshalJSON(rk)
		}
		if err != nil {
			if strict {
				return nil, fmt.Errorf("key %d: %w", i, err)
			}
			continue
		}
		entries = append(entries, jwkEntry{kid: meta.KID, keyOps: meta.KeyOps, key: key})
	}
	return entries, nil
}

// verificationKeys returns the public halves of keys matching kid that
// declare the verify operation.
func verificationKeys(entries []jwkEntry, kid string) []interface{} {
	var out []interface{}
	for _, e := range entries {
		if e.kid != kid || !e.canVerify() {
			continue
		}
		pub := e.key.Public()
		if !pub.Valid() {
			continue
		}
		out = append(out, pub.Key)
	}
	return out
}
