package bulkmatch

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/ehr/bulkmatch/internal/domain/patient"
	"github.com/ehr/bulkmatch/internal/platform/fhir"
	"github.com/ehr/bulkmatch/internal/platform/matching"
)

// fakePlan picks which fragments get synthetic matches. The choice
// depends only on the sorted fragment ids, so reruns are reproducible.
type fakePlan struct {
	matched    map[string]bool
	duplicated map[string]bool
}

// newFakePlan returns nil when fake mode is off. The first
// round(n*matchPct/100) sorted ids get a certain self-match; the first
// round(matched*dupPct/100) of those also get a duplicate record.
func newFakePlan(fragments []*patient.Patient, matchPct, dupPct int) *fakePlan {
	if matchPct <= 0 {
		return nil
	}
	ids := make([]string, 0, len(fragments))
	for _, f := range fragments {
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)

	nMatched := percentOf(len(ids), matchPct)
	nDup := percentOf(nMatched, dupPct)

	plan := &fakePlan{matched: make(map[string]bool), duplicated: make(map[string]bool)}
	for i, id := range ids[:nMatched] {
		plan.matched[id] = true
		if i < nDup {
			plan.duplicated[id] = true
		}
	}
	return plan
}

func percentOf(n, pct int) int {
	if pct > 100 {
		pct = 100
	}
	return int(math.Round(float64(n) * float64(pct) / 100))
}

func (e *Engine) fakeBundle(plan *fakePlan, frag *patient.Patient, opts Options) *fhir.Bundle {
	var results []matching.Result
	if plan.matched[frag.ID] {
		results = append(results, matching.Result{Patient: frag, Score: 1, Grade: fhir.GradeCertain})
		if plan.duplicated[frag.ID] {
			if dup, err := duplicateOf(frag); err == nil {
				results = append(results, matching.Result{Patient: dup, Score: 1, Grade: fhir.GradeCertain})
			} else {
				e.logger.Warn().Err(err).Str("fragment", frag.ID).Msg("duplicate synthesis failed")
			}
		}
	}
	results = matching.Reduce(results, matchOptions(opts))
	return matching.BuildBundle(frag.ID, results, opts.FHIRBase, e.now())
}

// duplicateOf copies p under the id "<id>-duplicate".
func duplicateOf(p *patient.Patient) (*patient.Patient, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(p.Resource(), &doc); err != nil {
		return nil, err
	}
	doc["id"] = p.ID + "-duplicate"
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return patient.Parse(raw)
}
