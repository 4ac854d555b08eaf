package bulkmatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/bulkmatch/internal/domain/patient"
	"github.com/ehr/bulkmatch/internal/platform/fhir"
	"github.com/ehr/bulkmatch/internal/platform/matching"
)

const maxProxyResponseBytes = 32 << 20

// ProxyTarget is a delegated FHIR server exposing Patient/$match.
type ProxyTarget struct {
	BaseURL string
	Token   string
}

// ProxyMatcher matches one fragment on a delegated server and returns the
// match entries of its searchset.
type ProxyMatcher interface {
	Match(ctx context.Context, target ProxyTarget, input *patient.Patient, opts matching.Options) ([]fhir.BundleEntry, error)
}

// HTTPProxyMatcher calls Patient/$match over HTTP.
type HTTPProxyMatcher struct {
	client *http.Client
}

func NewHTTPProxyMatcher(timeout time.Duration) *HTTPProxyMatcher {
	return &HTTPProxyMatcher{client: &http.Client{Timeout: timeout}}
}

func (m *HTTPProxyMatcher) Match(ctx context.Context, target ProxyTarget, input *patient.Patient, opts matching.Options) ([]fhir.BundleEntry, error) {
	body, err := json.Marshal(matchParameters(input, opts))
	if err != nil {
		return nil, fmt.Errorf("encoding $match parameters: %w", err)
	}

	url := strings.TrimRight(target.BaseURL, "/") + "/Patient/$match"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	if target.Token != "" {
		req.Header.Set("Authorization", "Bearer "+target.Token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("match server returned status %d", resp.StatusCode)
	}

	var bundle fhir.Bundle
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProxyResponseBytes)).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decoding match server response: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("match server returned %q, expected Bundle", bundle.ResourceType)
	}

	entries := make([]fhir.BundleEntry, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		if entry.Search != nil && entry.Search.Mode != "" && entry.Search.Mode != fhir.SearchModeMatch {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func matchParameters(input *patient.Patient, opts matching.Options) fhir.Parameters {
	params := fhir.Parameters{
		ResourceType: "Parameters",
		Parameter:    []fhir.Parameter{{Name: "resource", Resource: input.Resource()}},
	}
	if opts.OnlySingleMatch {
		v := true
		params.Parameter = append(params.Parameter, fhir.Parameter{Name: "onlySingleMatch", ValueBoolean: &v})
	}
	if opts.OnlyCertainMatches {
		v := true
		params.Parameter = append(params.Parameter, fhir.Parameter{Name: "onlyCertainMatches", ValueBoolean: &v})
	}
	if opts.Limit > 0 {
		n := json.Number(strconv.Itoa(opts.Limit))
		params.Parameter = append(params.Parameter, fhir.Parameter{Name: "count", ValueInteger: &n})
	}
	return params
}

// proxyBundle builds the result bundle for frag from the delegated
// server. A failure yields a bundle holding an OperationOutcome entry and
// failed=true.
func (e *Engine) proxyBundle(ctx context.Context, frag *patient.Patient, opts Options) (*fhir.Bundle, bool) {
	b := matching.BuildBundle(frag.ID, nil, opts.FHIRBase, e.now())

	entries, err := e.proxy.Match(ctx, ProxyTarget{BaseURL: opts.MatchServer, Token: opts.MatchToken}, frag, matchOptions(opts))
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn().Err(err).Str("fragment", frag.ID).Msg("delegated match failed")
		}
		outcome := fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeProcessing,
			fmt.Sprintf("Delegated match for Patient/%s failed: %v", frag.ID, err))
		if err := b.AddOutcome(outcome); err != nil {
			e.logger.Error().Err(err).Msg("encoding outcome entry")
		}
		return b, true
	}

	for _, entry := range entries {
		b.Entry = append(b.Entry, entry)
		b.Total++
	}
	return b, false
}
