package fhir

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Identifier
// ---------------------------------------------------------------------------

func TestIdentifier_TypedCodings(t *testing.T) {
	var ids []Identifier
	body := `[
		{"type":{"coding":[{"system":"http://terminology.hl7.org/CodeSystem/v2-0203","code":"MR"}]},"value":"MRN-100001"},
		{"type":{"coding":[{"system":"http://terminology.hl7.org/CodeSystem/v2-0203","code":"SS"}]},"system":"http://hl7.org/fhir/sid/us-ssn","value":"123-45-6789"},
		{"system":"urn:oid:1.2.3","value":"plain"}]`
	if err := json.Unmarshal([]byte(body), &ids); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	tests := []struct {
		idx     int
		code    string
		want    bool
		wantVal string
	}{
		{0, "MR", true, "MRN-100001"},
		{0, "SS", false, "MRN-100001"},
		{1, "SS", true, "123-45-6789"},
		{2, "MR", false, "plain"},
	}
	for _, tt := range tests {
		id := ids[tt.idx]
		if got := id.Type.HasCode(tt.code); got != tt.want {
			t.Errorf("identifier %d HasCode(%q) = %v, want %v", tt.idx, tt.code, got, tt.want)
		}
		if id.Value != tt.wantVal {
			t.Errorf("identifier %d value = %q, want %q", tt.idx, id.Value, tt.wantVal)
		}
	}
	if ids[2].Type != nil {
		t.Errorf("untyped identifier should decode with nil type, got %+v", ids[2].Type)
	}
}

// ---------------------------------------------------------------------------
// Extension
// ---------------------------------------------------------------------------

func TestExtension_ValueReference(t *testing.T) {
	ext := Extension{
		URL:            "https://example.org/StructureDefinition/match-input",
		ValueReference: &Reference{Reference: "Patient/in-1"},
	}
	data, err := json.Marshal(ext)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `"valueReference":{"reference":"Patient/in-1"}`) {
		t.Errorf("unexpected extension JSON: %s", got)
	}
	for _, absent := range []string{"valueString", "valueCode", "valueBoolean", "valueInteger"} {
		if strings.Contains(got, absent) {
			t.Errorf("unset %s should be omitted: %s", absent, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Meta
// ---------------------------------------------------------------------------

func TestMeta_LastUpdatedOnBundle(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	b := NewSearchsetBundle("b1", time.Date(2024, 3, 1, 7, 30, 0, 0, loc))

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m struct {
		Meta struct {
			LastUpdated string `json:"lastUpdated"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Meta.LastUpdated != "2024-03-01T12:30:00Z" {
		t.Errorf("expected UTC lastUpdated, got %q", m.Meta.LastUpdated)
	}

	var empty Meta
	data, _ = json.Marshal(empty)
	if string(data) != "{}" {
		t.Errorf("expected empty meta to marshal as {}, got %s", data)
	}
}

// ---------------------------------------------------------------------------
// Parameter
// ---------------------------------------------------------------------------

func TestParameter_ValueIntegerNumber(t *testing.T) {
	var p Parameters
	body := `{"resourceType":"Parameters","parameter":[
		{"name":"count","valueInteger":5},
		{"name":"count","valueInteger":2.5},
		{"name":"onlySingleMatch","valueBoolean":true}]}`
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	counts := p.Named("count")
	if len(counts) != 2 {
		t.Fatalf("expected 2 count params, got %d", len(counts))
	}
	if n, err := counts[0].ValueInteger.Int64(); err != nil || n != 5 {
		t.Errorf("expected 5, got %d (%v)", n, err)
	}
	if _, err := counts[1].ValueInteger.Int64(); err == nil {
		t.Error("expected a fractional valueInteger to fail Int64")
	}
	flag := p.Named("onlySingleMatch")
	if len(flag) != 1 || flag[0].ValueInteger != nil || flag[0].ValueBoolean == nil || !*flag[0].ValueBoolean {
		t.Errorf("unexpected boolean param: %+v", flag)
	}

	n := json.Number("10")
	out, err := json.Marshal(Parameter{Name: "count", ValueInteger: &n})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"name":"count","valueInteger":10}` {
		t.Errorf("valueInteger should encode as a bare number, got %s", out)
	}
}
