// Package scoring runs acceptance checks plus statistical, adapter and
// VLM-gate scoring over a set of candidate images for one target, returning
// a ranked result with exactly one selected candidate.
//
// Candidates are evaluated independently of each other; the only
// cross-candidate step is the final ranking. Scoring the same inputs twice
// yields identical ordering and selection.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/Someblueman/lootforge-sub002/internal/imageops"
	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

// Stable acceptance reason codes.
const (
	ReasonDecodeFailed          = "decode_failed"
	ReasonSizeMismatch          = "size_mismatch"
	ReasonOutputFormatMismatch  = "output_format_mismatch"
	ReasonAlphaChannelMissing   = "alpha_channel_missing"
	ReasonAlphaNotUsed          = "alpha_not_used"
	ReasonFileSizeExceeded      = "file_size_exceeded"
	ReasonHaloRiskExceeded      = "alpha_halo_risk_exceeded"
	ReasonStrayNoiseExceeded    = "alpha_stray_noise_exceeded"
	ReasonEdgeSharpnessBelowMin = "edge_sharpness_below_min"
	ReasonVLMGateBelowThreshold = "vlm_gate_below_threshold"
)

// Warning codes (never reject a candidate).
const (
	WarnVLMEvaluationFailed  = "vlm_evaluation_failed"
	WarnVLMGateNotConfigured = "vlm_gate_not_configured"
	WarnAdapterFailed        = "adapter_failed"
)

// MaxScore is the top of the scoring scale shared by the heuristic score,
// adapter components and the VLM gate.
const MaxScore = 5.0

// BaseMetric is the metric name of the built-in heuristic component in the
// composite weighted sum.
const BaseMetric = "base"

// Score is the verdict for one candidate.
type Score struct {
	Path             string   `json:"path"`
	Score            float64  `json:"score"`
	PassedAcceptance bool     `json:"passed_acceptance"`
	Reasons          []string `json:"reasons,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`

	// Stage is "draft" or "refine" in the coarse-to-fine flow.
	Stage string `json:"stage,omitempty"`

	// Promoted marks a draft candidate that was promoted to refine.
	Promoted bool `json:"promoted,omitempty"`

	// SourceOutputPath points a refine-stage score back at the draft
	// candidate it was refined from.
	SourceOutputPath string `json:"source_output_path,omitempty"`

	Metrics           map[string]float64 `json:"metrics,omitempty"`
	AdapterComponents map[string]float64 `json:"adapter_components,omitempty"`

	VLM *VLMVerdict `json:"vlm,omitempty"`

	Selected bool `json:"selected"`
}

// VLMVerdict is the recorded outcome of the external vision-language gate.
type VLMVerdict struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	MaxScore  float64 `json:"max_score"`
	Passed    bool    `json:"passed"`
	Reason    string  `json:"reason,omitempty"`
	Evaluator string  `json:"evaluator,omitempty"`
}

// Request is one scoring invocation: all candidates of one job.
type Request struct {
	Target *target.Target
	Policy policy.Policy

	// Paths are the candidate files in production order.
	Paths []string

	// Stage tags the resulting scores ("", "draft", "refine").
	Stage string

	// SourceOutputPath is carried onto every score (refine stage).
	SourceOutputPath string

	// OutputDir is the run output directory, passed to external adapters.
	OutputDir string
}

// Result is the ranked outcome for one candidate set.
type Result struct {
	// Scores are ranked best-first (score desc, accepted before rejected
	// on ties, then lexicographic path).
	Scores []Score `json:"scores"`

	// BestPath is the selected candidate's path, or "" for an empty set.
	BestPath string `json:"best_path,omitempty"`
}

// Accepted returns the accepted scores in rank order.
func (r Result) Accepted() []Score {
	out := make([]Score, 0, len(r.Scores))
	for _, s := range r.Scores {
		if s.PassedAcceptance {
			out = append(out, s)
		}
	}
	return out
}

// Scorer evaluates candidate sets. Construct with New; the zero value
// scores with heuristics only.
type Scorer struct {
	cfg      Config
	log      *slog.Logger
	vlm      Evaluator
	adapters []metricAdapter
	client   *http.Client
}

// Option customizes a Scorer beyond the file-backed configuration.
type Option func(*Scorer)

// WithVLMEvaluator replaces the configured VLM gate evaluator. Used to
// plug in a custom evaluator implementation.
func WithVLMEvaluator(ev Evaluator) Option {
	return func(s *Scorer) { s.vlm = ev }
}

// WithAdapter registers an extra scoring adapter under metric.
func WithAdapter(metric string, ev Evaluator) Option {
	return func(s *Scorer) {
		s.adapters = append(s.adapters, metricAdapter{metric: metric, eval: ev})
	}
}

// New builds a Scorer from an explicit configuration. Nothing is read from
// the process environment.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Scorer, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scorer{
		cfg: cfg,
		log: log,
		client: &http.Client{
			Timeout: cfg.timeout(),
		},
	}
	vlm, err := buildVLMEvaluator(cfg.VLM, s.client)
	if err != nil {
		return nil, fmt.Errorf("vlm evaluator: %w", err)
	}
	s.vlm = vlm

	for _, ac := range cfg.Adapters {
		if !ac.Enabled {
			continue
		}
		ad, err := buildAdapter(ac, s.client)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", ac.Metric, err)
		}
		s.adapters = append(s.adapters, ad)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score evaluates every candidate in req and ranks the set.
func (s *Scorer) Score(ctx context.Context, req Request) (Result, error) {
	if req.Target == nil {
		return Result{}, fmt.Errorf("scoring: nil target")
	}
	if len(req.Paths) == 0 {
		return Result{}, nil
	}

	scores := make([]Score, 0, len(req.Paths))
	for _, path := range req.Paths {
		scores = append(scores, s.scoreOne(ctx, req, path))
	}

	rankScores(scores)
	markSelected(scores)

	res := Result{Scores: scores}
	for _, sc := range scores {
		if sc.Selected {
			res.BestPath = sc.Path
			break
		}
	}
	return res, nil
}

func (s *Scorer) scoreOne(ctx context.Context, req Request, path string) Score {
	sc := Score{
		Path:             path,
		PassedAcceptance: true,
		Stage:            req.Stage,
		SourceOutputPath: req.SourceOutputPath,
	}

	stats, err := imageops.Analyze(path)
	if err != nil {
		sc.PassedAcceptance = false
		sc.Reasons = append(sc.Reasons, ReasonDecodeFailed)
		s.log.Warn("candidate decode failed", "target", req.Target.ID, "path", path, "error", err)
		return sc
	}

	sc.Reasons = append(sc.Reasons, acceptanceReasons(req.Target, req.Policy, stats)...)
	if len(sc.Reasons) > 0 {
		sc.PassedAcceptance = false
	}
	sc.Metrics = baseMetrics(stats)

	if gate := req.Policy.VLMGate; gate != nil {
		switch {
		case s.vlm == nil:
			// A declared gate with no evaluator never passes silently.
			sc.Warnings = append(sc.Warnings, WarnVLMGateNotConfigured)
			s.log.Warn("vlm gate declared but no evaluator configured", "target", req.Target.ID)
		default:
			verdict, err := s.evaluateGate(ctx, *gate, path)
			if err != nil {
				sc.Warnings = append(sc.Warnings, WarnVLMEvaluationFailed)
				s.log.Warn("vlm gate evaluation failed", "target", req.Target.ID, "path", path, "error", err)
			} else {
				sc.VLM = &verdict
				if !verdict.Passed {
					sc.PassedAcceptance = false
					sc.Reasons = append(sc.Reasons, ReasonVLMGateBelowThreshold)
				}
			}
		}
	}

	for _, ad := range s.adapters {
		resp, err := ad.eval.Evaluate(ctx, EvalRequest{ImagePath: path, OutputDir: req.OutputDir})
		if err != nil {
			sc.Warnings = append(sc.Warnings, WarnAdapterFailed+":"+ad.metric)
			s.log.Warn("scoring adapter failed", "target", req.Target.ID, "metric", ad.metric, "error", err)
			continue
		}
		if sc.AdapterComponents == nil {
			sc.AdapterComponents = make(map[string]float64, len(s.adapters))
		}
		sc.AdapterComponents[ad.metric] = clampScore(resp.Score)
		for k, v := range resp.Metrics {
			if sc.Metrics == nil {
				sc.Metrics = map[string]float64{}
			}
			sc.Metrics[ad.metric+"_"+k] = v
		}
	}

	sc.Score = composite(req.Target, heuristicScore(stats, len(sc.Reasons)), sc.AdapterComponents)
	return sc
}

func (s *Scorer) evaluateGate(ctx context.Context, gate policy.VLMGate, path string) (VLMVerdict, error) {
	resp, err := s.vlm.Evaluate(ctx, EvalRequest{ImagePath: path, Rubric: gate.Rubric})
	if err != nil {
		return VLMVerdict{}, err
	}
	score := clampScore(resp.Score)
	return VLMVerdict{
		Score:     score,
		Threshold: gate.Threshold,
		MaxScore:  MaxScore,
		Passed:    score >= gate.Threshold,
		Reason:    resp.Reason,
		Evaluator: s.vlm.Kind(),
	}, nil
}

// heuristicScore turns pixel statistics into the base component on the
// 0..MaxScore scale. Violated acceptance gates eat into the diagnostic
// score so a rejected candidate still ranks below a clean one.
func heuristicScore(st *imageops.Stats, violations int) float64 {
	s := MaxScore
	s -= float64(violations) * 0.75

	// Readability: reward contrast, penalize both a flat histogram and a
	// fully saturated (noisy) one.
	readability := 0.6*st.Histogram.Contrast + 0.4*(1-math.Abs(st.Histogram.Flatness-0.6))
	s -= (1 - clamp01(readability)) * 1.0

	// Boundary hygiene.
	s -= st.Alpha.HaloRisk * 0.5
	s -= st.Alpha.StrayNoise * 0.5

	return clampScore(s)
}

func baseMetrics(st *imageops.Stats) map[string]float64 {
	return map[string]float64{
		"contrast":       st.Histogram.Contrast,
		"flatness":       st.Histogram.Flatness,
		"halo_risk":      st.Alpha.HaloRisk,
		"stray_noise":    st.Alpha.StrayNoise,
		"edge_sharpness": st.Alpha.EdgeSharpness,
	}
}

// composite is the plain weighted sum of the base heuristic and adapter
// components, normalized by total weight. A metric's weight defaults to 1;
// an explicit 0 disables it.
func composite(t *target.Target, base float64, components map[string]float64) float64 {
	totalWeight := 0.0
	total := 0.0
	add := func(metric string, value float64) {
		w := t.MetricWeight(metric)
		if w <= 0 {
			return
		}
		totalWeight += w
		total += w * value
	}
	add(BaseMetric, base)

	// Deterministic iteration order.
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add(name, components[name])
	}

	if totalWeight == 0 {
		return 0
	}
	return total / totalWeight
}

// rankScores orders best-first: score desc, accepted before rejected, then
// lexicographic path. The ordering is total, so ranking is deterministic.
func rankScores(scores []Score) {
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.PassedAcceptance != b.PassedAcceptance {
			return a.PassedAcceptance
		}
		return a.Path < b.Path
	})
}

// markSelected marks exactly one candidate: the best accepted one, or the
// overall best when none pass.
func markSelected(scores []Score) {
	if len(scores) == 0 {
		return
	}
	for i := range scores {
		if scores[i].PassedAcceptance {
			scores[i].Selected = true
			return
		}
	}
	scores[0].Selected = true
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}
