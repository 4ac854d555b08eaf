package fhir

import (
	"encoding/json"
	"testing"
)

func TestNewOperationOutcome(t *testing.T) {
	oo := NewOperationOutcome(IssueSeverityWarning, IssueTypeThrottled, "slow down")

	if oo.ResourceType != "OperationOutcome" {
		t.Errorf("expected resourceType OperationOutcome, got %s", oo.ResourceType)
	}
	if len(oo.Issue) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(oo.Issue))
	}
	if oo.Issue[0].Severity != "warning" {
		t.Errorf("expected severity warning, got %s", oo.Issue[0].Severity)
	}
	if oo.Issue[0].Code != "throttled" {
		t.Errorf("expected code throttled, got %s", oo.Issue[0].Code)
	}
	if oo.HasErrors() {
		t.Error("warning outcome must not report errors")
	}
}

func TestOutcomeHelpers(t *testing.T) {
	tests := []struct {
		name     string
		oo       *OperationOutcome
		severity string
		code     string
		errors   bool
	}{
		{"error", ErrorOutcome("x"), "error", "processing", true},
		{"invalid", InvalidOutcome("x"), "error", "invalid", true},
		{"not found", NotFoundOutcome("x"), "error", "not-found", true},
		{"information", InformationOutcome("x"), "information", "informational", false},
		{"internal", InternalErrorOutcome("x"), "fatal", "exception", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.oo.Issue[0].Severity != tt.severity {
				t.Errorf("severity: got %s, want %s", tt.oo.Issue[0].Severity, tt.severity)
			}
			if tt.oo.Issue[0].Code != tt.code {
				t.Errorf("code: got %s, want %s", tt.oo.Issue[0].Code, tt.code)
			}
			if tt.oo.HasErrors() != tt.errors {
				t.Errorf("HasErrors: got %v, want %v", tt.oo.HasErrors(), tt.errors)
			}
		})
	}
}

func TestOperationOutcome_JSON(t *testing.T) {
	data, err := json.Marshal(NotFoundOutcome("Job not found"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	issues, ok := m["issue"].([]interface{})
	if !ok || len(issues) != 1 {
		t.Fatalf("expected one issue, got %v", m["issue"])
	}
	issue := issues[0].(map[string]interface{})
	if issue["diagnostics"] != "Job not found" {
		t.Errorf("unexpected diagnostics: %v", issue["diagnostics"])
	}
	if _, ok := issue["expression"]; ok {
		t.Error("empty expression should be omitted")
	}
}
