// Package policy resolves a target's raw generation options into a
// fully-defaulted, backend-clamped policy.
//
// Normalization is a pure function of (policy, backend capabilities); it
// never touches disk or network. Problems found during normalization are
// reported as Issues with stable codes, and the caller decides whether a
// warning-level issue is fatal (strict mode) or merely logged.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied when a target omits a field.
const (
	DefaultSize         = "1024x1024"
	DefaultQuality      = "standard"
	DefaultDraftQuality = "low"
	DefaultBackground   = BackgroundOpaque
	DefaultOutputFormat = "png"
	DefaultCandidates   = 1
	DefaultMaxRetries   = 2
)

// Background modes.
const (
	BackgroundOpaque      = "opaque"
	BackgroundTransparent = "transparent"
	BackgroundAuto        = "auto"
)

// Policy is the per-target generation policy. The raw (manifest) form may
// leave any field zero; Normalize fills defaults and clamps against the
// resolved backend's capabilities.
type Policy struct {
	Size         string `json:"size,omitempty"`
	Quality      string `json:"quality,omitempty"`
	DraftQuality string `json:"draft_quality,omitempty"`
	FinalQuality string `json:"final_quality,omitempty"`

	// Background is "opaque", "transparent" or "auto".
	Background string `json:"background,omitempty"`

	// OutputFormat is the encoded output format ("png", "jpg", "webp").
	OutputFormat string `json:"output_format,omitempty"`

	// Candidates is how many images a single generation job requests.
	Candidates int `json:"candidates,omitempty"`

	// MaxRetries is the number of same-backend retries after a failed
	// attempt (the first attempt is not a retry).
	MaxRetries int `json:"max_retries,omitempty"`

	// FallbackProviders is the ordered list of backends tried after the
	// active backend is exhausted. Normalize removes the active backend
	// from its own list.
	FallbackProviders []string `json:"fallback_providers,omitempty"`

	// Concurrency overrides the backend's default in-flight job limit
	// when > 0.
	Concurrency int `json:"concurrency,omitempty"`

	// RateLimitPerMinute caps job starts per rolling 60-second window
	// when > 0.
	RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty"`

	VLMGate      *VLMGate      `json:"vlm_gate,omitempty"`
	CoarseToFine *CoarseToFine `json:"coarse_to_fine,omitempty"`
	AgenticRetry *AgenticRetry `json:"agentic_retry,omitempty"`
}

// VLMGate declares a rubric-based minimum-score check run by an external
// vision evaluator. Score scale is 0..5.
type VLMGate struct {
	Threshold float64 `json:"threshold"`
	Rubric    string  `json:"rubric,omitempty"`
}

// CoarseToFine configures the draft -> refine generation shape.
type CoarseToFine struct {
	Enabled bool `json:"enabled"`

	// PromoteTopK is how many scored draft candidates are promoted to the
	// refine stage. Clamped to the candidate count.
	PromoteTopK int `json:"promote_top_k,omitempty"`

	// MinDraftScore, when set, excludes drafts scoring below it from
	// promotion.
	MinDraftScore *float64 `json:"min_draft_score,omitempty"`

	// RequireDraftAcceptance additionally requires a draft to pass the
	// acceptance gate before promotion.
	RequireDraftAcceptance bool `json:"require_draft_acceptance,omitempty"`
}

// AgenticRetry configures prompt-revising retries after rejected attempts.
type AgenticRetry struct {
	Enabled    bool `json:"enabled"`
	MaxRetries int  `json:"max_retries,omitempty"`
}

// Capabilities describes what a resolved backend can do. Backends publish
// this descriptor; Normalize clamps the policy against it.
type Capabilities struct {
	// Formats is the set of encodable output formats.
	Formats []string `json:"formats"`

	// AlphaFormats is the subset of Formats that can carry an alpha
	// channel. The first entry is the backend's alpha-capable default.
	AlphaFormats []string `json:"alpha_formats"`

	SupportsTransparency bool `json:"supports_transparency"`

	MaxCandidates int `json:"max_candidates"`

	// MinDelay is the minimum spacing between requests the backend asks
	// for (0 means unconstrained).
	MinDelay time.Duration `json:"min_delay,omitempty"`

	DefaultConcurrency int `json:"default_concurrency"`
}

// SupportsFormat reports whether format is in the capability set.
func (c Capabilities) SupportsFormat(format string) bool {
	format = strings.ToLower(strings.TrimSpace(format))
	for _, f := range c.Formats {
		if strings.ToLower(strings.TrimSpace(f)) == format {
			return true
		}
	}
	return false
}

// SupportsAlpha reports whether format can carry an alpha channel on this
// backend.
func (c Capabilities) SupportsAlpha(format string) bool {
	format = strings.ToLower(strings.TrimSpace(format))
	for _, f := range c.AlphaFormats {
		if strings.ToLower(strings.TrimSpace(f)) == format {
			return true
		}
	}
	return false
}

// DefaultAlphaFormat returns the backend's alpha-capable default format, or
// "" when the backend has none.
func (c Capabilities) DefaultAlphaFormat() string {
	if len(c.AlphaFormats) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(c.AlphaFormats[0]))
}

func (c Capabilities) validate() error {
	if len(c.Formats) == 0 {
		return fmt.Errorf("capability descriptor has no output formats")
	}
	if c.MaxCandidates < 1 {
		return fmt.Errorf("capability descriptor has max_candidates %d", c.MaxCandidates)
	}
	return nil
}
