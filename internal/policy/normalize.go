package policy

import (
	"fmt"
	"strings"
)

// Normalize resolves a raw policy fragment against a backend capability
// descriptor and returns the fully-defaulted, clamped policy plus the issue
// list. The input policy is not modified.
//
// Invariants on the returned policy (absent error-level issues):
//   - Candidates is in [1, caps.MaxCandidates]
//   - transparent background implies an alpha-capable output format
//   - activeProvider never appears in FallbackProviders
//   - CoarseToFine.PromoteTopK <= Candidates
func Normalize(p Policy, activeProvider string, caps Capabilities) (Policy, Issues) {
	var issues Issues
	if err := caps.validate(); err != nil {
		issues = append(issues, errorf("invalid_capability_descriptor", "%v", err))
		return p, issues
	}

	out := clonePolicy(p)

	if strings.TrimSpace(out.Size) == "" {
		out.Size = DefaultSize
	}
	if strings.TrimSpace(out.Quality) == "" {
		out.Quality = DefaultQuality
	}
	if strings.TrimSpace(out.Background) == "" {
		out.Background = DefaultBackground
	}
	out.Background = strings.ToLower(strings.TrimSpace(out.Background))

	out.OutputFormat = normalizeFormat(out.OutputFormat)
	if out.OutputFormat == "" {
		out.OutputFormat = DefaultOutputFormat
	}
	if !caps.SupportsFormat(out.OutputFormat) {
		issues = append(issues, warnf(CodeOutputFormatUnsupported,
			"output format %q is not supported by %s; using %q", out.OutputFormat, activeProvider, normalizeFormat(caps.Formats[0])))
		out.OutputFormat = normalizeFormat(caps.Formats[0])
	}

	if out.Candidates == 0 {
		out.Candidates = DefaultCandidates
	}
	if clamped, did := clampInt(out.Candidates, 1, caps.MaxCandidates); did {
		issues = append(issues, warnf(CodeCandidateCountClamped,
			"candidate count %d clamped to %d for %s", out.Candidates, clamped, activeProvider))
		out.Candidates = clamped
	}

	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}

	// Transparent background needs both backend support and an
	// alpha-capable encoding.
	if out.Background == BackgroundTransparent {
		switch {
		case !caps.SupportsTransparency:
			issues = append(issues, errorf(CodeTransparentBackgroundUnsupported,
				"backend %s cannot produce transparent backgrounds", activeProvider))
		case !caps.SupportsAlpha(out.OutputFormat):
			alt := caps.DefaultAlphaFormat()
			if alt == "" {
				issues = append(issues, errorf(CodeTransparentBackgroundUnsupported,
					"backend %s has no alpha-capable output format", activeProvider))
				break
			}
			issues = append(issues, warnf(CodeJPGTransparencyNormalized,
				"output format %q cannot encode alpha; upgraded to %q", out.OutputFormat, alt))
			out.OutputFormat = alt
		}
	}

	out.FallbackProviders = removeProvider(out.FallbackProviders, activeProvider)

	if ctf := out.CoarseToFine; ctf != nil && ctf.Enabled {
		if strings.TrimSpace(out.DraftQuality) == "" {
			out.DraftQuality = DefaultDraftQuality
		}
		if strings.TrimSpace(out.FinalQuality) == "" {
			out.FinalQuality = out.Quality
		}
		if ctf.PromoteTopK <= 0 {
			ctf.PromoteTopK = 1
		}
		if ctf.PromoteTopK > out.Candidates {
			issues = append(issues, warnf(CodeCoarseToFineTopKClamped,
				"promote_top_k %d clamped to candidate count %d", ctf.PromoteTopK, out.Candidates))
			ctf.PromoteTopK = out.Candidates
		}
	}

	if ar := out.AgenticRetry; ar != nil && ar.Enabled && ar.MaxRetries <= 0 {
		ar.MaxRetries = 1
	}

	return out, issues
}

// normalizeFormat lower-cases a format name and folds the "jpeg" alias.
func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "jpeg" {
		return "jpg"
	}
	return format
}

// ParseSize splits a "WxH" size string. Zero values mean "unparseable".
func ParseSize(size string) (width, height int) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(size)), "x", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &width); err != nil {
		return 0, 0
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &height); err != nil {
		return 0, 0
	}
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	return width, height
}

func clampInt(v, lo, hi int) (int, bool) {
	if v < lo {
		return lo, true
	}
	if v > hi {
		return hi, true
	}
	return v, false
}

func removeProvider(providers []string, name string) []string {
	name = strings.TrimSpace(name)
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		p = strings.TrimSpace(p)
		if p == "" || p == name {
			continue
		}
		out = append(out, p)
	}
	return out
}

func clonePolicy(p Policy) Policy {
	out := p
	out.FallbackProviders = append([]string(nil), p.FallbackProviders...)
	if p.VLMGate != nil {
		g := *p.VLMGate
		out.VLMGate = &g
	}
	if p.CoarseToFine != nil {
		c := *p.CoarseToFine
		if p.CoarseToFine.MinDraftScore != nil {
			v := *p.CoarseToFine.MinDraftScore
			c.MinDraftScore = &v
		}
		out.CoarseToFine = &c
	}
	if p.AgenticRetry != nil {
		a := *p.AgenticRetry
		out.AgenticRetry = &a
	}
	return out
}
