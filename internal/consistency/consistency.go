// Package consistency flags statistical outliers among targets that share a
// consistency group, using median/MAD normalized drift over the recognized
// metric families.
//
// Evaluation is deterministic: the same member set yields the same report
// regardless of input order.
package consistency

import (
	"math"
	"sort"
	"strings"
)

// Defaults for drift thresholds and the penalty weight.
const (
	DefaultWarnThreshold    = 1.75
	DefaultPenaltyThreshold = 2.5
	DefaultPenaltyWeight    = 25.0

	// minScale guards a degenerate zero-MAD group from collapsing the
	// normalized drift to infinity.
	minScale = 1e-6
)

// Recognized metric families. Anything else a member reports is ignored.
var recognizedFamilies = []string{"clip", "lpips"}

// Member is one target's contribution to its group.
type Member struct {
	TargetID string

	// Metrics maps metric names to finite values. Non-finite values are
	// treated as unreported.
	Metrics map[string]float64

	// Optional per-target overrides of the group defaults.
	WarnThreshold    *float64
	PenaltyThreshold *float64
	PenaltyWeight    *float64
}

// Thresholds are the group-level defaults; zero values resolve to the
// package defaults.
type Thresholds struct {
	Warn          float64
	Penalty       float64
	PenaltyWeight float64
}

func (t Thresholds) resolved() Thresholds {
	if t.Warn <= 0 {
		t.Warn = DefaultWarnThreshold
	}
	if t.Penalty <= 0 {
		t.Penalty = DefaultPenaltyThreshold
	}
	if t.PenaltyWeight <= 0 {
		t.PenaltyWeight = DefaultPenaltyWeight
	}
	return t
}

// MemberScore is one evaluated member.
type MemberScore struct {
	TargetID string  `json:"target_id"`
	Score    float64 `json:"score"`
	Warned   bool    `json:"warned"`
	Outlier  bool    `json:"outlier"`
	Penalty  int     `json:"penalty,omitempty"`
}

// GroupReport is the outcome for one consistency group.
type GroupReport struct {
	Group string `json:"group"`

	// Members are the evaluated members sorted by target id.
	Members []MemberScore `json:"members"`

	// WarnedIDs/OutlierIDs are sorted lexicographically. Every outlier
	// also appears in WarnedIDs.
	WarnedIDs  []string `json:"warned_ids,omitempty"`
	OutlierIDs []string `json:"outlier_ids,omitempty"`

	WarnedCount  int     `json:"warned_count"`
	OutlierCount int     `json:"outlier_count"`
	MaxScore     float64 `json:"max_score"`
	TotalPenalty int     `json:"total_penalty"`

	// Medians are the per-metric group medians used for normalization.
	Medians map[string]float64 `json:"medians,omitempty"`

	// Skipped is set when the group had fewer than 2 members.
	Skipped bool `json:"skipped,omitempty"`
}

// Report is the whole detection pass.
type Report struct {
	Groups map[string]GroupReport `json:"groups"`
}

// Evaluate runs outlier detection over all groups.
func Evaluate(groups map[string][]Member, defaults Thresholds) Report {
	out := Report{Groups: make(map[string]GroupReport, len(groups))}
	for name, members := range groups {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out.Groups[name] = evaluateGroup(name, members, defaults.resolved())
	}
	return out
}

func evaluateGroup(name string, members []Member, defaults Thresholds) GroupReport {
	report := GroupReport{Group: name, Medians: map[string]float64{}}
	if len(members) < 2 {
		report.Skipped = true
		return report
	}

	// Sort members by id up front so every downstream slice is ordered.
	ordered := append([]Member(nil), members...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].TargetID < ordered[j].TargetID })

	metrics := recognizedMetrics(ordered)

	// Per-metric median and normalization scale over reporting members.
	type metricNorm struct {
		median float64
		scale  float64
	}
	norms := map[string]metricNorm{}
	for _, metric := range metrics {
		values := make([]float64, 0, len(ordered))
		for _, m := range ordered {
			if v, ok := finiteMetric(m, metric); ok {
				values = append(values, v)
			}
		}
		if len(values) < 2 {
			continue
		}
		med := median(values)
		deviations := make([]float64, len(values))
		for i, v := range values {
			deviations[i] = math.Abs(v - med)
		}
		mad := median(deviations)
		scale := math.Max(mad, math.Max(math.Abs(med)*0.1, minScale))
		norms[metric] = metricNorm{median: med, scale: scale}
		report.Medians[metric] = med
	}

	for _, m := range ordered {
		driftSum := 0.0
		reported := 0
		for _, metric := range metrics {
			norm, ok := norms[metric]
			if !ok {
				continue
			}
			v, ok := finiteMetric(m, metric)
			if !ok {
				continue
			}
			driftSum += math.Abs(v-norm.median) / norm.scale
			reported++
		}
		if reported == 0 {
			// Members reporting no recognized metric are excluded from
			// evaluation entirely, not scored as zero.
			continue
		}

		score := driftSum / float64(reported)
		warnAt := override(m.WarnThreshold, defaults.Warn)
		penaltyAt := override(m.PenaltyThreshold, defaults.Penalty)
		weight := override(m.PenaltyWeight, defaults.PenaltyWeight)

		ms := MemberScore{TargetID: m.TargetID, Score: score}
		if score >= warnAt {
			ms.Warned = true
			report.WarnedIDs = append(report.WarnedIDs, m.TargetID)
		}
		if score >= penaltyAt {
			ms.Outlier = true
			ms.Penalty = int(math.Round(score * weight))
			report.OutlierIDs = append(report.OutlierIDs, m.TargetID)
			report.TotalPenalty += ms.Penalty
		}
		if score > report.MaxScore {
			report.MaxScore = score
		}
		report.Members = append(report.Members, ms)
	}

	sort.Strings(report.WarnedIDs)
	sort.Strings(report.OutlierIDs)
	report.WarnedCount = len(report.WarnedIDs)
	report.OutlierCount = len(report.OutlierIDs)
	return report
}

// recognizedMetrics collects the sorted union of recognized metric names
// reported by any member.
func recognizedMetrics(members []Member) []string {
	set := map[string]struct{}{}
	for _, m := range members {
		for name := range m.Metrics {
			if Recognized(name) {
				set[name] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Recognized reports whether a metric name belongs to the clip or lpips
// family ("clip", "clip_alignment", "lpips_distance", ...).
func Recognized(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, fam := range recognizedFamilies {
		if name == fam || strings.HasPrefix(name, fam+"_") {
			return true
		}
	}
	return false
}

func finiteMetric(m Member, metric string) (float64, bool) {
	v, ok := m.Metrics[metric]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func override(v *float64, def float64) float64 {
	if v != nil && *v > 0 {
		return *v
	}
	return def
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
