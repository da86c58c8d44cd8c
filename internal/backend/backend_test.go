package backend

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/Someblueman/lootforge-sub002/internal/imageops"
	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

func TestBuildJobs(t *testing.T) {
	t.Parallel()

	plans := []target.Planned{
		{
			Target: &target.Target{
				ID:         "icon/sword",
				OutputPath: "icons/sword.png",
				Prompt:     target.PromptSpec{Text: "a sword", Style: "pixel art"},
			},
			Policy: policy.Policy{
				Size: "512x512", Quality: "standard", Background: "opaque",
				OutputFormat: "png", Candidates: 3,
			},
			Fingerprint: "abc123",
		},
	}
	jobs, err := buildJobs("openai", "gpt-image-1", plans, t.TempDir())
	if err != nil {
		t.Fatalf("buildJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("job count = %d", len(jobs))
	}
	j := jobs[0]
	if j.Provider != "openai" || j.Model != "gpt-image-1" {
		t.Fatalf("provider/model = %s/%s", j.Provider, j.Model)
	}
	if j.TargetID != "icon/sword" {
		t.Fatalf("target id = %q", j.TargetID)
	}
	if filepath.Base(j.WorkDir) != "icon_sword" {
		t.Fatalf("work dir = %q, want sanitized id", j.WorkDir)
	}
	if j.Candidates != 3 || j.InputHash != "abc123" {
		t.Fatalf("candidates=%d hash=%q", j.Candidates, j.InputHash)
	}
	if j.ID == "" {
		t.Fatalf("job id is empty")
	}
}

func TestBuildJobsModelOverride(t *testing.T) {
	t.Parallel()

	plans := []target.Planned{{
		Target: &target.Target{ID: "a", OutputPath: "a.png", Prompt: target.PromptSpec{Text: "x"}, Model: "dall-e-3"},
	}}
	jobs, err := buildJobs("openai", "gpt-image-1", plans, t.TempDir())
	if err != nil {
		t.Fatalf("buildJobs: %v", err)
	}
	if jobs[0].Model != "dall-e-3" {
		t.Fatalf("model = %q, want target override", jobs[0].Model)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	a, err := NewOpenAI(OpenAIOptions{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	r, err := NewRegistry(a)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := r.Names(); !slices.Equal(got, []string{"openai"}) {
		t.Fatalf("names = %v", got)
	}
	if _, ok := r.Get("openai"); !ok {
		t.Fatalf("openai not found")
	}
	if _, ok := r.Get("stability"); ok {
		t.Fatalf("unknown backend resolved")
	}

	if _, err := NewRegistry(a, a); err == nil {
		t.Fatalf("duplicate name accepted")
	}
}

func TestNormalizeErrorClassification(t *testing.T) {
	t.Parallel()

	o, err := NewOpenAI(OpenAIOptions{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}

	if got := o.NormalizeError(nil); got != nil {
		t.Fatalf("nil error normalized to %v", got)
	}

	structured := &Error{Provider: "openai", Code: "empty_response", Transient: true}
	if got := o.NormalizeError(structured); got != structured {
		t.Fatalf("structured error not passed through")
	}

	if got := o.NormalizeError(context.DeadlineExceeded); !got.Transient || got.Code != "timeout" {
		t.Fatalf("deadline => %+v", got)
	}
	if got := o.NormalizeError(context.Canceled); got.Transient || got.Code != "canceled" {
		t.Fatalf("canceled => %+v", got)
	}
	if got := o.NormalizeError(errors.New("connection reset")); !got.Transient || got.Code != "request_failed" {
		t.Fatalf("generic => %+v", got)
	}
}

func TestOpenAICapabilityInvariants(t *testing.T) {
	t.Parallel()

	o, err := NewOpenAI(OpenAIOptions{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	caps := o.Capabilities()
	if !caps.SupportsTransparency {
		t.Fatalf("transparency not supported")
	}
	for _, f := range caps.AlphaFormats {
		if !caps.SupportsFormat(f) {
			t.Fatalf("alpha format %q missing from format set", f)
		}
	}
	if caps.SupportsAlpha("jpg") {
		t.Fatalf("jpg reported alpha-capable")
	}
	if !o.Supports(FeatureImageEdit) {
		t.Fatalf("edit feature not reported")
	}
	// Every advertised output format must be scoreable, or candidates in
	// that format would be rejected as undecodable after generation.
	for _, f := range caps.Formats {
		if !imageops.CanDecode(f) {
			t.Fatalf("advertised format %q is not decodable by analysis", f)
		}
	}
}
