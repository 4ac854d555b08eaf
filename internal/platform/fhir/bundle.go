package fhir

import (
	"encoding/json"
	"time"
)

// Match grade codes carried by the match-grade extension.
const (
	GradeCertain      = "certain"
	GradeProbable     = "probable"
	GradePossible     = "possible"
	GradeCertainlyNot = "certainly-not"
)

const (
	MatchGradeExtensionURL = "http://hl7.org/fhir/StructureDefinition/match-grade"

	SearchModeMatch   = "match"
	SearchModeOutcome = "outcome"
)

// Bundle is a searchset bundle as produced by Patient/$match. Resources
// are held raw so the original documents are echoed unchanged.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Total        int           `json:"total"`
	Extension    []Extension   `json:"extension,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode      string      `json:"mode,omitempty"`
	Score     *float64    `json:"score,omitempty"`
	Extension []Extension `json:"extension,omitempty"`
}

// NewSearchsetBundle creates an empty searchset bundle stamped with now.
func NewSearchsetBundle(id string, now time.Time) *Bundle {
	ts := now.UTC()
	return &Bundle{
		ResourceType: "Bundle",
		ID:           id,
		Meta:         &Meta{LastUpdated: &ts},
		Type:         "searchset",
		Entry:        []BundleEntry{},
	}
}

// AddMatch appends a scored match entry and keeps Total in step.
func (b *Bundle) AddMatch(fullURL string, resource json.RawMessage, score float64, grade string) {
	s := score
	b.Entry = append(b.Entry, BundleEntry{
		FullURL:  fullURL,
		Resource: resource,
		Search: &BundleSearch{
			Mode:  SearchModeMatch,
			Score: &s,
			Extension: []Extension{
				{URL: MatchGradeExtensionURL, ValueCode: grade},
			},
		},
	})
	b.Total++
}

// AddOutcome appends an OperationOutcome entry. Outcomes are not counted
// in Total.
func (b *Bundle) AddOutcome(outcome *OperationOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	b.Entry = append(b.Entry, BundleEntry{
		Resource: raw,
		Search:   &BundleSearch{Mode: SearchModeOutcome},
	})
	return nil
}
