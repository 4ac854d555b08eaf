// Package bulkmatch runs asynchronous Patient $bulk-match jobs: a locked
// on-disk job store, the per-job run loop and the status polling protocol.
package bulkmatch

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobUnreadable = errors.New("job unreadable")
	ErrJobCorrupted  = errors.New("job record corrupted")
	ErrTooManyJobs   = errors.New("too many running jobs")
	ErrFileNotFound  = errors.New("file not found")
)

// Simulated job faults, selected by the client descriptor or the
// X-Simulated-Error header.
const (
	FaultTransientError = "transient_error"
	FaultTooManyJobs    = "too_many_jobs"
)

// Job states. State is derived from Percentage and Error.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Options is the creation-time configuration of a job. It does not change
// after Create.
type Options struct {
	Authenticated      bool   `json:"authenticated"`
	Err                string `json:"err,omitempty"`
	FakeMatches        int    `json:"fakeMatches,omitempty"`
	Duplicates         int    `json:"duplicates,omitempty"`
	MatchServer        string `json:"matchServer,omitempty"`
	MatchToken         string `json:"-"`
	OnlySingleMatch    bool   `json:"onlySingleMatch,omitempty"`
	OnlyCertainMatches bool   `json:"onlyCertainMatches,omitempty"`
	Count              int    `json:"count,omitempty"`
	// FHIRBase is the absolute FHIR base URL used for output and entry URLs.
	FHIRBase string `json:"fhirBase"`
}

// OutputFile is one manifest output entry.
type OutputFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// Manifest is returned by a status poll once the job is complete. Output
// is append-only.
type Manifest struct {
	TransactionTime     time.Time              `json:"transactionTime"`
	Request             string                 `json:"request"`
	RequiresAccessToken bool                   `json:"requiresAccessToken"`
	Output              []OutputFile           `json:"output"`
	Error               []OutputFile           `json:"error"`
	Extension           map[string]interface{} `json:"extension,omitempty"`
}

// Job is the persisted record of one bulk match request.
type Job struct {
	ID          string     `json:"id"`
	Percentage  int        `json:"percentage"`
	Manifest    Manifest   `json:"manifest"`
	Options     Options    `json:"options"`
	NotBefore   time.Time  `json:"notBefore"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// Error is the client-facing failure message; Cause is kept for
	// server-side diagnostics only.
	Error string `json:"error,omitempty"`
	Cause string `json:"cause,omitempty"`
}

func (j *Job) State() string {
	switch {
	case j.Error != "":
		return StateFailed
	case j.Percentage >= 100:
		return StateCompleted
	default:
		return StateRunning
	}
}

// clone returns a copy that shares no slices or maps with j.
func (j *Job) clone() *Job {
	c := *j
	c.Manifest.Output = append([]OutputFile{}, j.Manifest.Output...)
	c.Manifest.Error = append([]OutputFile{}, j.Manifest.Error...)
	if j.Manifest.Extension != nil {
		c.Manifest.Extension = make(map[string]interface{}, len(j.Manifest.Extension))
		for k, v := range j.Manifest.Extension {
			c.Manifest.Extension[k] = v
		}
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
