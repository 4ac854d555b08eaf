package matching

import (
	"math"
	"strings"

	"github.com/ehr/bulkmatch/internal/domain/patient"
	"github.com/ehr/bulkmatch/internal/platform/fhir"
)

// Secondary signal weights.
const (
	WeightGender  = 0.5
	WeightPhone   = 1.4
	WeightEmail   = 1.2
	WeightAddress = 0.5

	secondarySignals = 4
	postalPrefixLen  = 5
)

// Score computes the pairwise match score of input against candidate.
//
// A shared MRN (then a shared SSN) decides the result on its own: equal
// values score 1 and different values score 0. Otherwise name and birth
// date must both match before the weighted secondary signals are summed
// and mapped into [0.6, 0.96].
func Score(input, candidate *patient.Patient) float64 {
	if in, c := mrn(input), mrn(candidate); in != "" && c != "" {
		if in == c {
			return 1
		}
		return 0
	}
	if in, c := ssnDigits(input.SSN()), ssnDigits(candidate.SSN()); in != "" && c != "" {
		if in == c {
			return 1
		}
		return 0
	}

	if !nameMatches(input, candidate) || !birthDateMatches(input, candidate) {
		return 0
	}

	sum := WeightGender*genderSignal(input, candidate) +
		WeightPhone*anyEqual(input.Phones(), candidate.Phones()) +
		WeightEmail*anyEqual(input.Emails(), candidate.Emails()) +
		WeightAddress*addressSignal(input, candidate)

	return round(ThresholdPossible + 0.4*(sum/secondarySignals))
}

// nameMatches requires some input name whose family equals a candidate
// family and whose given names all appear on that candidate name.
func nameMatches(input, candidate *patient.Patient) bool {
	for _, in := range input.Name {
		if in.Family == "" {
			continue
		}
		for _, c := range candidate.Name {
			if !strings.EqualFold(strings.TrimSpace(in.Family), strings.TrimSpace(c.Family)) {
				continue
			}
			if givenContained(in.Given, c.Given) {
				return true
			}
		}
	}
	return false
}

func givenContained(want, have []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(w), strings.TrimSpace(h)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func birthDateMatches(input, candidate *patient.Patient) bool {
	in := input.BirthDay()
	return in != "" && in == candidate.BirthDay()
}

func genderSignal(input, candidate *patient.Patient) float64 {
	in := strings.ToLower(input.Gender)
	if in == "" || in != strings.ToLower(candidate.Gender) {
		return 0
	}
	if in == "unknown" || in == "other" {
		return 0.5
	}
	return 1
}

func addressSignal(input, candidate *patient.Patient) float64 {
	for _, in := range input.Address {
		for _, c := range candidate.Address {
			if addressMatches(in, c) {
				return 1
			}
		}
	}
	return 0
}

func addressMatches(a, b fhir.Address) bool {
	la, lb := addressLine(a), addressLine(b)
	if la == "" || la != lb {
		return false
	}
	pa, pb := postalPrefix(a.PostalCode), postalPrefix(b.PostalCode)
	if pa != "" && pa == pb {
		return true
	}
	return a.City != "" && a.State != "" &&
		strings.EqualFold(a.City, b.City) && strings.EqualFold(a.State, b.State)
}

func addressLine(a fhir.Address) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.Join(a.Line, " "))), " ")
}

func postalPrefix(code string) string {
	code = strings.TrimSpace(code)
	if len(code) > postalPrefixLen {
		return code[:postalPrefixLen]
	}
	return code
}

func anyEqual(a, b []string) float64 {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return 1
			}
		}
	}
	return 0
}

// mrn is the comparison form of a patient's MRN.
func mrn(p *patient.Patient) string {
	return strings.TrimSpace(p.MRN())
}

func ssnDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func round(score float64) float64 {
	return math.Round(score*10000) / 10000
}
