package consistency

import (
	"math"
	"reflect"
	"slices"
	"testing"
)

func groupOf(members ...Member) map[string][]Member {
	return map[string][]Member{"forest_set": members}
}

func TestEvaluateFlagsOutlier(t *testing.T) {
	t.Parallel()

	members := []Member{
		{TargetID: "tree_a", Metrics: map[string]float64{"clip_alignment": 0.80}},
		{TargetID: "tree_b", Metrics: map[string]float64{"clip_alignment": 0.82}},
		{TargetID: "tree_c", Metrics: map[string]float64{"clip_alignment": 0.81}},
		{TargetID: "tree_weird", Metrics: map[string]float64{"clip_alignment": 0.20}},
	}
	rep := Evaluate(groupOf(members...), Thresholds{})
	g := rep.Groups["forest_set"]
	if g.Skipped {
		t.Fatalf("group skipped")
	}
	if !slices.Contains(g.OutlierIDs, "tree_weird") {
		t.Fatalf("outliers = %v", g.OutlierIDs)
	}
	// An outlier always also clears the warning threshold.
	for _, id := range g.OutlierIDs {
		if !slices.Contains(g.WarnedIDs, id) {
			t.Fatalf("outlier %s missing from warned ids %v", id, g.WarnedIDs)
		}
	}
	if g.TotalPenalty <= 0 || g.MaxScore < DefaultPenaltyThreshold {
		t.Fatalf("penalty=%d max=%v", g.TotalPenalty, g.MaxScore)
	}
	if g.OutlierCount != len(g.OutlierIDs) || g.WarnedCount != len(g.WarnedIDs) {
		t.Fatalf("counts inconsistent: %+v", g)
	}
}

func TestEvaluateOrderInvariant(t *testing.T) {
	t.Parallel()

	members := []Member{
		{TargetID: "a", Metrics: map[string]float64{"clip": 1.0, "lpips": 0.10}},
		{TargetID: "b", Metrics: map[string]float64{"clip": 1.1, "lpips": 0.12}},
		{TargetID: "c", Metrics: map[string]float64{"clip": 3.9, "lpips": 0.55}},
	}
	forward := Evaluate(groupOf(members...), Thresholds{})
	reversed := Evaluate(groupOf(members[2], members[1], members[0]), Thresholds{})
	if !reflect.DeepEqual(forward, reversed) {
		t.Fatalf("report depends on input order:\n%+v\n%+v", forward, reversed)
	}
}

func TestEvaluateSmallGroupSkipped(t *testing.T) {
	t.Parallel()

	rep := Evaluate(groupOf(Member{TargetID: "solo", Metrics: map[string]float64{"clip": 1}}), Thresholds{})
	if !rep.Groups["forest_set"].Skipped {
		t.Fatalf("single-member group not skipped")
	}
}

func TestEvaluateMetricWithOneReporterSkipped(t *testing.T) {
	t.Parallel()

	members := []Member{
		{TargetID: "a", Metrics: map[string]float64{"clip": 1.0, "lpips": 0.9}},
		{TargetID: "b", Metrics: map[string]float64{"clip": 1.0}},
	}
	g := Evaluate(groupOf(members...), Thresholds{}).Groups["forest_set"]
	if _, ok := g.Medians["lpips"]; ok {
		t.Fatalf("single-reporter metric used: %v", g.Medians)
	}
	if _, ok := g.Medians["clip"]; !ok {
		t.Fatalf("two-reporter metric dropped: %v", g.Medians)
	}
}

func TestEvaluateExcludesMemberWithoutRecognizedMetrics(t *testing.T) {
	t.Parallel()

	members := []Member{
		{TargetID: "a", Metrics: map[string]float64{"clip": 1.0}},
		{TargetID: "b", Metrics: map[string]float64{"clip": 1.2}},
		{TargetID: "noscore", Metrics: map[string]float64{"sharpness": 9.0}},
	}
	g := Evaluate(groupOf(members...), Thresholds{}).Groups["forest_set"]
	for _, m := range g.Members {
		if m.TargetID == "noscore" {
			t.Fatalf("unrecognized-metric member was scored: %+v", m)
		}
	}
}

func TestEvaluateIgnoresNonFinite(t *testing.T) {
	t.Parallel()

	members := []Member{
		{TargetID: "a", Metrics: map[string]float64{"clip": 1.0}},
		{TargetID: "b", Metrics: map[string]float64{"clip": 1.1}},
		{TargetID: "c", Metrics: map[string]float64{"clip": math.NaN()}},
	}
	g := Evaluate(groupOf(members...), Thresholds{}).Groups["forest_set"]
	for _, m := range g.Members {
		if m.TargetID == "c" {
			t.Fatalf("NaN reporter evaluated: %+v", m)
		}
	}
}

func TestEvaluateZeroMADGuard(t *testing.T) {
	t.Parallel()

	// Identical values give MAD 0; the scale guard must keep drift finite.
	members := []Member{
		{TargetID: "a", Metrics: map[string]float64{"clip": 0.5}},
		{TargetID: "b", Metrics: map[string]float64{"clip": 0.5}},
		{TargetID: "c", Metrics: map[string]float64{"clip": 0.5}},
	}
	g := Evaluate(groupOf(members...), Thresholds{}).Groups["forest_set"]
	for _, m := range g.Members {
		if math.IsInf(m.Score, 0) || math.IsNaN(m.Score) {
			t.Fatalf("degenerate group produced non-finite score: %+v", m)
		}
		if m.Score != 0 {
			t.Fatalf("identical values drifted: %+v", m)
		}
	}
}

func TestEvaluatePerTargetOverrides(t *testing.T) {
	t.Parallel()

	strict := 0.5
	members := []Member{
		{TargetID: "a", Metrics: map[string]float64{"clip": 1.0}},
		{TargetID: "b", Metrics: map[string]float64{"clip": 1.3}},
		{TargetID: "c", Metrics: map[string]float64{"clip": 1.6}, PenaltyThreshold: &strict, WarnThreshold: &strict},
	}
	g := Evaluate(groupOf(members...), Thresholds{}).Groups["forest_set"]
	if !slices.Contains(g.OutlierIDs, "c") {
		t.Fatalf("per-target threshold ignored: %v", g.OutlierIDs)
	}
	if slices.Contains(g.OutlierIDs, "a") {
		t.Fatalf("default-threshold member flagged: %v", g.OutlierIDs)
	}
}

func TestRecognized(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"clip", "clip_alignment", "lpips", "lpips_distance", " CLIP "} {
		if !Recognized(name) {
			t.Fatalf("%q not recognized", name)
		}
	}
	for _, name := range []string{"sharpness", "clipx", "lpipsdist", ""} {
		if Recognized(name) {
			t.Fatalf("%q recognized", name)
		}
	}
}

func TestPenaltyMagnitude(t *testing.T) {
	t.Parallel()

	members := []Member{
		{TargetID: "a", Metrics: map[string]float64{"clip": 1.0}},
		{TargetID: "b", Metrics: map[string]float64{"clip": 1.0}},
		{TargetID: "c", Metrics: map[string]float64{"clip": 2.0}},
	}
	g := Evaluate(groupOf(members...), Thresholds{}).Groups["forest_set"]
	for _, m := range g.Members {
		if !m.Outlier {
			continue
		}
		want := int(math.Round(m.Score * DefaultPenaltyWeight))
		if m.Penalty != want {
			t.Fatalf("penalty = %d, want round(%v * %v) = %d", m.Penalty, m.Score, DefaultPenaltyWeight, want)
		}
	}
}
