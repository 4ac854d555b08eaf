// Package matching scores partial patient demographics against the
// reference registry and reduces the scored candidates into match sets.
package matching

import "github.com/ehr/bulkmatch/internal/platform/fhir"

// Certainty thresholds. Scores below ThresholdPossible are never reported.
const (
	ThresholdCertain  = 1.0
	ThresholdProbable = 0.8
	ThresholdPossible = 0.6
)

// Certainty returns the match-grade code for a score in [0,1].
func Certainty(score float64) string {
	switch {
	case score >= ThresholdCertain:
		return fhir.GradeCertain
	case score >= ThresholdProbable:
		return fhir.GradeProbable
	case score >= ThresholdPossible:
		return fhir.GradePossible
	default:
		return fhir.GradeCertainlyNot
	}
}
