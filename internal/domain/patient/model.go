package patient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/bulkmatch/internal/platform/fhir"
)

const (
	identifierTypeMRN = "MR"
	identifierTypeSSN = "SS"
	systemSSN         = "http://hl7.org/fhir/sid/us-ssn"
)

// Patient is the subset of a FHIR Patient used for record linkage. Raw
// holds the document as received so it can be echoed back verbatim.
type Patient struct {
	ResourceType string              `json:"resourceType"`
	ID           string              `json:"id"`
	Identifier   []fhir.Identifier   `json:"identifier,omitempty"`
	Name         []fhir.HumanName    `json:"name,omitempty"`
	Telecom      []fhir.ContactPoint `json:"telecom,omitempty"`
	Gender       string              `json:"gender,omitempty"`
	BirthDate    string              `json:"birthDate,omitempty"`
	Address      []fhir.Address      `json:"address,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Parse decodes a single Patient resource.
func Parse(data []byte) (*Patient, error) {
	var p Patient
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode patient: %w", err)
	}
	if p.ResourceType != "Patient" {
		return nil, fmt.Errorf("expected resourceType Patient, got %q", p.ResourceType)
	}
	p.Raw = append(json.RawMessage(nil), data...)
	return &p, nil
}

// Resource returns the JSON document for the patient.
func (p *Patient) Resource() json.RawMessage {
	if len(p.Raw) > 0 {
		return p.Raw
	}
	data, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage(`{"resourceType":"Patient","id":"` + p.ID + `"}`)
	}
	return data
}

// MRN returns the first medical-record-number identifier value.
func (p *Patient) MRN() string {
	for _, ident := range p.Identifier {
		if ident.Value == "" {
			continue
		}
		if ident.Type.HasCode(identifierTypeMRN) {
			return ident.Value
		}
	}
	// Fallback for records that only mark the MRN through the system URI.
	for _, ident := range p.Identifier {
		if ident.Value != "" && ident.Type == nil && strings.Contains(strings.ToLower(ident.System), "mrn") {
			return ident.Value
		}
	}
	return ""
}

// SSN returns the first social-security-number identifier value.
func (p *Patient) SSN() string {
	for _, ident := range p.Identifier {
		if ident.Value == "" {
			continue
		}
		if ident.Type.HasCode(identifierTypeSSN) || ident.System == systemSSN {
			return ident.Value
		}
	}
	return ""
}

// Phones returns all phone numbers reduced to their digits.
func (p *Patient) Phones() []string {
	var out []string
	for _, cp := range p.Telecom {
		if cp.System != "phone" {
			continue
		}
		if d := digits(cp.Value); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Emails returns all e-mail addresses lowercased.
func (p *Patient) Emails() []string {
	var out []string
	for _, cp := range p.Telecom {
		if cp.System != "email" {
			continue
		}
		if v := strings.ToLower(strings.TrimSpace(cp.Value)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// BirthDay returns the calendar day part of birthDate as written, dropping
// any time and offset. Partial dates are returned unchanged.
func (p *Patient) BirthDay() string {
	bd := strings.TrimSpace(p.BirthDate)
	if i := strings.IndexByte(bd, 'T'); i >= 0 {
		bd = bd[:i]
	}
	return bd
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
