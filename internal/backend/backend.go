// Package backend defines the contract a generation backend adapter must
// satisfy, plus the OpenAI adapter.
//
// The scheduler is generic over the Backend interface and never inspects
// concrete adapter identity except through Capabilities and Supports.
package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

// Feature names a capability a caller can probe via Supports.
type Feature string

const (
	FeatureTransparentBackground Feature = "transparent_background"
	FeatureImageEdit             Feature = "image_edit"
	FeatureMultiCandidate        Feature = "multi_candidate"
)

// Stage tags for coarse-to-fine jobs. An empty stage means single-stage.
const (
	StageDraft  = "draft"
	StageRefine = "refine"
)

// Job is one backend invocation for one target (or one stage of one
// target in the coarse-to-fine flow).
type Job struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	TargetID string `json:"target_id"`

	Prompt       string `json:"prompt"`
	Size         string `json:"size"`
	Quality      string `json:"quality"`
	Background   string `json:"background"`
	OutputFormat string `json:"output_format"`
	Candidates   int    `json:"candidates"`

	// Stage is "", "draft" or "refine".
	Stage string `json:"stage,omitempty"`

	// Edit switches the job to edit mode: transform Edit.BaseImage per
	// Edit.Instruction instead of synthesizing from the prompt alone.
	Edit *target.EditSpec `json:"edit,omitempty"`

	// WorkDir is the directory candidate files are written into. Paths of
	// different targets (and stages) never collide.
	WorkDir string `json:"work_dir"`

	// InputHash is the target's input fingerprint at planning time.
	InputHash string `json:"input_hash"`
}

// Candidate is one produced image awaiting scoring.
type Candidate struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// RunOutput is the successful result of executing one job.
type RunOutput struct {
	Candidates []Candidate `json:"candidates"`
}

// Backend is the closed adapter contract.
type Backend interface {
	Name() string
	Capabilities() policy.Capabilities

	// PrepareJobs builds one job per planned target. It performs no
	// network I/O.
	PrepareJobs(ctx context.Context, plans []target.Planned, workRoot string) ([]Job, error)

	// RunJob executes one job and writes candidate files under
	// job.WorkDir. Errors should be normalized via NormalizeError before
	// retry/fallback classification.
	RunJob(ctx context.Context, job Job) (RunOutput, error)

	Supports(feature Feature) bool

	// NormalizeError converts an adapter error into the structured form.
	// It must return nil only for a nil input.
	NormalizeError(err error) *Error
}

// Error is the structured backend error surfaced to retry/fallback logic
// and provenance.
type Error struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
	Message  string `json:"message"`

	// Transient marks errors worth a same-backend retry (timeouts, rate
	// limits, 5xx). Structural errors skip straight to fallback.
	Transient bool `json:"transient,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

// buildJobs is the shared PrepareJobs implementation used by adapters.
func buildJobs(provider, defaultModel string, plans []target.Planned, workRoot string) ([]Job, error) {
	jobs := make([]Job, 0, len(plans))
	for _, plan := range plans {
		t := plan.Target
		if t == nil {
			return nil, fmt.Errorf("%s: planned target is nil", provider)
		}
		model := strings.TrimSpace(t.Model)
		if model == "" {
			model = defaultModel
		}
		jobs = append(jobs, Job{
			ID:           uuid.NewString(),
			Provider:     provider,
			Model:        model,
			TargetID:     t.ID,
			Prompt:       t.Prompt.Render(),
			Size:         plan.Policy.Size,
			Quality:      plan.Policy.Quality,
			Background:   plan.Policy.Background,
			OutputFormat: plan.Policy.OutputFormat,
			Candidates:   plan.Policy.Candidates,
			Edit:         t.Edit,
			WorkDir:      filepath.Join(workRoot, sanitizeID(t.ID)),
			InputHash:    plan.Fingerprint,
		})
	}
	return jobs, nil
}

// sanitizeID makes a target id safe to use as a directory name.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "target"
	}
	return b.String()
}

// Registry holds the configured backends keyed by name.
type Registry struct {
	backends map[string]Backend
	names    []string
}

// NewRegistry builds a registry. Duplicate names are rejected.
func NewRegistry(backends ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend, len(backends))}
	for _, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("nil backend")
		}
		name := strings.TrimSpace(b.Name())
		if name == "" {
			return nil, fmt.Errorf("backend with empty name")
		}
		if _, dup := r.backends[name]; dup {
			return nil, fmt.Errorf("duplicate backend %q", name)
		}
		r.backends[name] = b
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	if r == nil {
		return nil, false
	}
	b, ok := r.backends[strings.TrimSpace(name)]
	return b, ok
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}
