// Package target defines the immutable unit of work: one declared output
// image with its prompt, policy and acceptance criteria.
//
// Targets are produced by the manifest layer (outside this module's core)
// and are read-only below it. Planned wraps a target with the artifacts the
// scheduler needs: the normalized policy and the input fingerprint.
package target

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Someblueman/lootforge-sub002/internal/policy"
)

// Target is one declared output image.
type Target struct {
	ID         string `json:"id"`
	OutputPath string `json:"output_path"`

	Prompt PromptSpec    `json:"prompt"`
	Policy policy.Policy `json:"policy,omitempty"`

	Acceptance *Acceptance `json:"acceptance,omitempty"`

	// RequireAlpha marks targets whose output must carry a real alpha
	// channel (sprites, cutouts).
	RequireAlpha bool `json:"require_alpha,omitempty"`

	// Anchors are runtime hint points (pivot, attachment slots) carried
	// through to the emitted artifact metadata.
	Anchors []Anchor `json:"anchors,omitempty"`

	Tile *TileSpec `json:"tile,omitempty"`
	Edit *EditSpec `json:"edit,omitempty"`

	// Weights are per-metric composite-score weights. A missing metric
	// defaults to weight 1; an explicit 0 disables it.
	Weights map[string]float64 `json:"weights,omitempty"`

	Consistency *ConsistencySpec `json:"consistency,omitempty"`

	// Provider pins the primary backend for this target; empty means the
	// run-level default.
	Provider string `json:"provider,omitempty"`

	// Model pins the backend model; empty means the backend default.
	Model string `json:"model,omitempty"`

	GenerationDisabled bool `json:"generation_disabled,omitempty"`
}

// PromptSpec is the text specification a backend turns into pixels.
type PromptSpec struct {
	Text     string `json:"text"`
	Style    string `json:"style,omitempty"`
	Negative string `json:"negative,omitempty"`
}

// Render joins the prompt parts into the single string sent to a backend.
func (p PromptSpec) Render() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(p.Text); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(p.Style); s != "" {
		parts = append(parts, "Style: "+s)
	}
	return strings.Join(parts, "\n")
}

// Acceptance declares the hard pass/fail gates for a candidate.
type Acceptance struct {
	// Width/Height, when > 0, require an exact decoded size.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// MaxFileBytes, when > 0, caps the encoded file size.
	MaxFileBytes int64 `json:"max_file_bytes,omitempty"`

	// Boundary-artifact thresholds, computed from the alpha channel.
	MaxHaloRisk      *float64 `json:"max_halo_risk,omitempty"`
	MaxStrayNoise    *float64 `json:"max_stray_noise,omitempty"`
	MinEdgeSharpness *float64 `json:"min_edge_sharpness,omitempty"`
}

// Anchor is a named point in output-image coordinates.
type Anchor struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// TileSpec configures tileability checks and seam healing.
type TileSpec struct {
	Tileable bool   `json:"tileable"`
	SeamHeal bool   `json:"seam_heal,omitempty"`
	WrapGrid string `json:"wrap_grid,omitempty"`
}

// EditSpec configures edit-mode generation: a base image transformed per an
// instruction instead of synthesized from scratch.
type EditSpec struct {
	BaseImage           string   `json:"base_image,omitempty"`
	MaskImage           string   `json:"mask_image,omitempty"`
	ReferenceImages     []string `json:"reference_images,omitempty"`
	Instruction         string   `json:"instruction,omitempty"`
	PreserveComposition bool     `json:"preserve_composition,omitempty"`
}

// ConsistencySpec places a target in a consistency group and optionally
// overrides the group's outlier thresholds.
type ConsistencySpec struct {
	Group string `json:"group"`

	WarnThreshold    *float64 `json:"warn_threshold,omitempty"`
	PenaltyThreshold *float64 `json:"penalty_threshold,omitempty"`
	PenaltyWeight    *float64 `json:"penalty_weight,omitempty"`
}

// Validate checks the fields the core depends on. Schema-level validation
// happens in the manifest layer; this is the last line of defense.
func (t *Target) Validate() error {
	if t == nil {
		return errors.New("nil target")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("target id is empty")
	}
	if strings.TrimSpace(t.OutputPath) == "" {
		return fmt.Errorf("target %s: output path is empty", t.ID)
	}
	if strings.TrimSpace(t.Prompt.Text) == "" && t.Edit == nil {
		return fmt.Errorf("target %s: no prompt text and no edit spec", t.ID)
	}
	return nil
}

// MetricWeight returns the composite weight for metric: the declared weight
// when present, else 1.
func (t *Target) MetricWeight(metric string) float64 {
	if t == nil || t.Weights == nil {
		return 1
	}
	if w, ok := t.Weights[metric]; ok {
		return w
	}
	return 1
}

// Planned is a target paired with its normalized policy and input
// fingerprint, ready for scheduling.
type Planned struct {
	Target      *Target
	Policy      policy.Policy
	Fingerprint string
}
