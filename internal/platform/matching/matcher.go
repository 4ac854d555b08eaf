package matching

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/bulkmatch/internal/domain/patient"
	"github.com/ehr/bulkmatch/internal/platform/fhir"
)

// InputExtensionURL marks which input fragment a result bundle answers.
const InputExtensionURL = "https://bulk-match.smarthealthit.org/StructureDefinition/match-input"

// Options are the per-request reduction policies.
type Options struct {
	OnlySingleMatch    bool
	OnlyCertainMatches bool
	// Limit caps the number of results; zero means no cap.
	Limit int
}

// Result is one scored candidate.
type Result struct {
	Patient *patient.Patient
	Score   float64
	Grade   string
}

// Engine matches fragments against a fixed registry.
type Engine struct {
	registry *patient.Registry
}

func NewEngine(registry *patient.Registry) *Engine {
	return &Engine{registry: registry}
}

// MatchAll scores input against every registry record and applies the
// reduction policies in opts.
func (e *Engine) MatchAll(input *patient.Patient, opts Options) []Result {
	var results []Result
	for _, candidate := range e.registry.All() {
		score := Score(input, candidate)
		grade := Certainty(score)
		if grade == fhir.GradeCertainlyNot {
			continue
		}
		results = append(results, Result{Patient: candidate, Score: score, Grade: grade})
	}
	return Reduce(results, opts)
}

// Reduce sorts results by descending score and applies the certain-match,
// single-match and limit policies in that order.
func Reduce(results []Result, opts Options) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if opts.OnlyCertainMatches && len(results) > 1 {
		top := results[0].Patient
		kept := make([]Result, 0, len(results))
		for _, r := range results {
			if SamePatient(top, r.Patient) {
				kept = append(kept, r)
			}
		}
		results = kept
	}

	if opts.OnlySingleMatch {
		if len(results) > 1 && results[0].Score == results[1].Score && results[0].Score < ThresholdCertain {
			return nil
		}
		if len(results) > 1 {
			results = results[:1]
		}
	}

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

// SamePatient reports whether a and b describe the same person by id,
// MRN or SSN.
func SamePatient(a, b *patient.Patient) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if m := mrn(a); m != "" && m == mrn(b) {
		return true
	}
	if s := ssnDigits(a.SSN()); s != "" && s == ssnDigits(b.SSN()) {
		return true
	}
	return false
}

// BuildBundle renders results as the searchset bundle for one fragment.
// baseURL is the FHIR base used for entry fullUrls.
func BuildBundle(inputID string, results []Result, baseURL string, now time.Time) *fhir.Bundle {
	b := fhir.NewSearchsetBundle(uuid.New().String(), now)
	b.Extension = []fhir.Extension{InputExtension(inputID)}
	for _, r := range results {
		b.AddMatch(baseURL+"/Patient/"+r.Patient.ID, r.Patient.Resource(), r.Score, r.Grade)
	}
	return b
}

// InputExtension references the input fragment by id.
func InputExtension(inputID string) fhir.Extension {
	return fhir.Extension{
		URL:            InputExtensionURL,
		ValueReference: &fhir.Reference{Reference: "Patient/" + inputID},
	}
}
