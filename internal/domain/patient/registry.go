package patient

import (
	"bufio"
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

//go:embed data/patients.ndjson
var defaultDataset []byte

var (
	ErrMissingID   = errors.New("patient has no id")
	ErrDuplicateID = errors.New("duplicate patient id")
)

// Registry is the read-only set of reference patients candidates are
// matched against. It is safe for concurrent use once built.
type Registry struct {
	patients []*Patient
	byID     map[string]*Patient
}

// NewRegistry builds a registry, rejecting records without an id and
// records sharing an id.
func NewRegistry(patients []*Patient) (*Registry, error) {
	r := &Registry{
		patients: make([]*Patient, 0, len(patients)),
		byID:     make(map[string]*Patient, len(patients)),
	}
	for i, p := range patients {
		if p.ID == "" {
			return nil, fmt.Errorf("record %d: %w", i, ErrMissingID)
		}
		if _, ok := r.byID[p.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
		}
		r.byID[p.ID] = p
		r.patients = append(r.patients, p)
	}
	return r, nil
}

// All returns the patients in load order. Callers must not modify it.
func (r *Registry) All() []*Patient {
	return r.patients
}

func (r *Registry) Len() int {
	return len(r.patients)
}

func (r *Registry) Get(id string) (*Patient, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Default returns the registry built from the bundled sample dataset.
func Default() (*Registry, error) {
	patients, err := Decode(bytes.NewReader(defaultDataset))
	if err != nil {
		return nil, fmt.Errorf("default dataset: %w", err)
	}
	return NewRegistry(patients)
}

// LoadFile reads patients from an NDJSON file, a JSON array or a Bundle.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open registry file: %w", err)
	}
	defer f.Close()

	patients, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewRegistry(patients)
}

// Decode reads Patient resources. The input may be a Bundle, a JSON array
// of resources, or newline-delimited resources.
func Decode(r io.Reader) ([]*Patient, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode patient array: %w", err)
		}
		return parseAll(items)
	}

	var probe struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if json.Unmarshal(trimmed, &probe) == nil && probe.ResourceType == "Bundle" {
		items := make([]json.RawMessage, 0, len(probe.Entry))
		for _, e := range probe.Entry {
			items = append(items, e.Resource)
		}
		return parseAll(items)
	}

	var items []json.RawMessage
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		items = append(items, append(json.RawMessage(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return parseAll(items)
}

func parseAll(items []json.RawMessage) ([]*Patient, error) {
	out := make([]*Patient, 0, len(items))
	for i, item := range items {
		p, err := Parse(item)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
