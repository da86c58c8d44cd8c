// Package scheduler dispatches prepared generation jobs across backends
// under per-backend concurrency and rate limits, runs the single-stage or
// draft/refine flow per target, and resolves each target to one accepted
// output or an exhausted failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Someblueman/lootforge-sub002/internal/backend"
	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/provenance"
	"github.com/Someblueman/lootforge-sub002/internal/scoring"
	"github.com/Someblueman/lootforge-sub002/internal/selection"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

// Reason codes attached by the dispatch layer on top of the acceptance
// reason space.
const (
	ReasonDraftNotPromoted = "draft_not_promoted"

	SkipReasonEditUnsupported  = "image_edit_unsupported"
	SkipReasonNoDraftCandidate = "no_draft_candidates"
	SkipReasonNoDraftPromoted  = "no_drafts_promoted"
)

const defaultRetryBackoff = 500 * time.Millisecond

// Scorer evaluates one job's candidate set. *scoring.Scorer satisfies it.
type Scorer interface {
	Score(ctx context.Context, req scoring.Request) (scoring.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	Logger   *slog.Logger
	Registry *backend.Registry
	Scorer   Scorer
	Recorder *provenance.Recorder

	// Locks enables skip-locked eligibility filtering when non-nil.
	Locks *selection.Manager

	Observer Observer

	// OutputRoot is the run output directory. Accepted outputs land at
	// OutputRoot/<target output path>; intermediate candidates under
	// OutputRoot/work.
	OutputRoot string

	// DefaultProvider is used for targets that do not pin one.
	DefaultProvider string

	// SkipLocked skips targets whose selection is approved and whose
	// fingerprint still matches.
	SkipLocked bool

	// RetryBackoff is the fixed pause between same-backend attempts.
	// Zero means the default.
	RetryBackoff time.Duration
}

// Scheduler executes a prepared plan. Safe for a single Run call at a time.
type Scheduler struct {
	log      *slog.Logger
	registry *backend.Registry
	scorer   Scorer
	recorder *provenance.Recorder
	locks    *selection.Manager
	observer Observer

	outputRoot string
	workRoot   string
	defaultPrv string
	skipLocked bool
	backoff    time.Duration

	mu       sync.Mutex
	limiters map[string]*providerLimiter
}

// Summary aggregates one Run.
type Summary struct {
	Eligible        int      `json:"eligible"`
	Succeeded       int      `json:"succeeded"`
	Failed          int      `json:"failed"`
	Cancelled       int      `json:"cancelled"`
	SkippedLocked   int      `json:"skipped_locked"`
	SkippedDisabled int      `json:"skipped_disabled"`
	FailedTargets   []string `json:"failed_targets,omitempty"`
}

func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil {
		return nil, errors.New("scheduler: registry is required")
	}
	if opts.Scorer == nil {
		return nil, errors.New("scheduler: scorer is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("scheduler: recorder is required")
	}
	if opts.OutputRoot == "" {
		return nil, errors.New("scheduler: output root is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	obs := opts.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	return &Scheduler{
		log:        log,
		registry:   opts.Registry,
		scorer:     opts.Scorer,
		recorder:   opts.Recorder,
		locks:      opts.Locks,
		observer:   obs,
		outputRoot: opts.OutputRoot,
		workRoot:   filepath.Join(opts.OutputRoot, "work"),
		defaultPrv: opts.DefaultProvider,
		skipLocked: opts.SkipLocked,
		backoff:    backoff,
		limiters:   make(map[string]*providerLimiter),
	}, nil
}

// Run dispatches every eligible planned target and blocks until each has
// resolved or ctx is cancelled. Cancellation stops new dispatch; jobs
// already past the limiter finish and are recorded.
func (s *Scheduler) Run(ctx context.Context, plans []target.Planned) (Summary, error) {
	var sum Summary
	eligible := make([]target.Planned, 0, len(plans))
	for _, p := range plans {
		switch {
		case p.Target.GenerationDisabled:
			sum.SkippedDisabled++
			s.log.Info("skipping disabled target", "target", p.Target.ID)
		case s.skipLocked && s.locks != nil && s.locks.HasApproved(p.Target.ID, p.Fingerprint):
			sum.SkippedLocked++
			s.log.Info("skipping locked target", "target", p.Target.ID)
		default:
			eligible = append(eligible, p)
		}
	}
	sum.Eligible = len(eligible)

	n := newNotifier(s.log)
	defer n.stop()
	total := len(eligible)
	n.emit(func() { s.observer.RunPrepared(total) })

	var (
		sumMu sync.Mutex
		g     errgroup.Group
	)
	for _, p := range eligible {
		plan := p
		g.Go(func() error {
			err := s.runTarget(ctx, n, plan)
			sumMu.Lock()
			defer sumMu.Unlock()
			switch {
			case err == nil:
				sum.Succeeded++
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				sum.Cancelled++
			default:
				sum.Failed++
				sum.FailedTargets = append(sum.FailedTargets, plan.Target.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(sum.FailedTargets)
	return sum, ctx.Err()
}

// runTarget walks the target's backend chain: the pinned or default
// provider first with the planned policy, then each fallback with the
// policy re-normalized against its capabilities. Each backend gets
// 1+MaxRetries attempts on transient trouble or quality rejection before
// the chain advances.
func (s *Scheduler) runTarget(ctx context.Context, n *notifier, plan target.Planned) error {
	primary := plan.Target.Provider
	if primary == "" {
		primary = s.defaultPrv
	}
	chain := append([]string{primary}, plan.Policy.FallbackProviders...)

	var (
		attempted  []string
		lastErr    error
		structural bool
	)
	for i, name := range chain {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b, ok := s.registry.Get(name)
		if !ok {
			s.log.Warn("backend not registered, skipping", "target", plan.Target.ID, "provider", name)
			continue
		}
		// The primary backend runs the policy exactly as planned and
		// fingerprinted. Fallbacks get it re-fitted to their own
		// capabilities.
		pol := plan.Policy
		if i > 0 {
			var issues policy.Issues
			pol, issues = policy.Normalize(plan.Policy, name, b.Capabilities())
			if issues.HasErrors() {
				attempted = append(attempted, name)
				lastErr = fmt.Errorf("%s: policy rejected: %v", name, issues.Codes())
				structural = true
				continue
			}
		}
		err := s.runOnBackend(ctx, n, b, plan, pol)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		attempted = append(attempted, name)
		lastErr = err
		var be *backend.Error
		structural = errors.As(err, &be) && !be.Transient
		s.log.Warn("backend exhausted for target",
			"target", plan.Target.ID, "provider", name, "error", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable backend in chain %v", chain)
		structural = true
	}
	f := provenance.Failure{
		TargetID:           plan.Target.ID,
		AttemptedProviders: attempted,
		Error:              lastErr.Error(),
		Structural:         structural,
	}
	if len(attempted) > 0 {
		f.Provider = attempted[len(attempted)-1]
	}
	s.recorder.RecordFailure(f)
	n.emit(func() { s.observer.JobFailed(f) })
	return lastErr
}

// verdict is the typed outcome of one flow attempt. A rejected candidate
// set is a verdict, not an error: errors are reserved for execution
// trouble (backend, scoring, filesystem).
type verdict struct {
	Accepted bool
	Reasons  []string
}

func rejected(reasons ...string) verdict {
	return verdict{Reasons: reasons}
}

func (s *Scheduler) runOnBackend(ctx context.Context, n *notifier, b backend.Backend, plan target.Planned, pol policy.Policy) error {
	planned := plan
	planned.Policy = pol
	jobs, err := b.PrepareJobs(ctx, []target.Planned{planned}, s.workRoot)
	if err != nil {
		return b.NormalizeError(err)
	}
	if len(jobs) != 1 {
		return fmt.Errorf("%s: prepared %d jobs for one target", b.Name(), len(jobs))
	}
	job := jobs[0]
	lim := s.limiterFor(b, pol)

	var lastErr error
	attempts := 1 + pol.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt > 0 {
			timer := time.NewTimer(s.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		v, err := s.executeFlow(ctx, n, b, lim, planned, pol, job)
		if err != nil {
			lastErr = err
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			var be *backend.Error
			if errors.As(err, &be) && !be.Transient {
				// Structural errors will not heal on this backend.
				return err
			}
		} else if v.Accepted {
			return nil
		} else {
			lastErr = fmt.Errorf("no candidate accepted: %v", v.Reasons)
		}
		s.log.Info("attempt did not resolve, retrying",
			"target", plan.Target.ID, "provider", b.Name(),
			"attempt", attempt+1, "of", attempts, "cause", lastErr)
	}
	return lastErr
}

// executeFlow runs one complete attempt: either the single-stage flow or,
// when the policy enables it and the backend can edit, draft -> refine. It
// records every executed job to provenance before returning.
func (s *Scheduler) executeFlow(ctx context.Context, n *notifier, b backend.Backend, lim *providerLimiter, plan target.Planned, pol policy.Policy, job backend.Job) (verdict, error) {
	ctf := pol.CoarseToFine
	if ctf == nil || !ctf.Enabled {
		return s.singleStage(ctx, n, b, lim, plan, pol, job, "")
	}
	if !b.Supports(backend.FeatureImageEdit) {
		return s.singleStage(ctx, n, b, lim, plan, pol, job, SkipReasonEditUnsupported)
	}
	return s.coarseToFine(ctx, n, b, lim, plan, pol, job)
}

func (s *Scheduler) singleStage(ctx context.Context, n *notifier, b backend.Backend, lim *providerLimiter, plan target.Planned, pol policy.Policy, job backend.Job, skipped string) (verdict, error) {
	res, scored, err := s.runJobScored(ctx, n, b, lim, plan, pol, job, "", "")
	if err != nil {
		return verdict{}, err
	}
	res.SkippedReason = skipped
	winner := acceptedWinner(scored)
	if winner == nil {
		s.recorder.RecordJob(res)
		return rejected(rejectionReasons(scored)...), nil
	}
	if err := s.finalize(n, plan, res, *winner); err != nil {
		return verdict{}, err
	}
	return verdict{Accepted: true}, nil
}

func (s *Scheduler) coarseToFine(ctx context.Context, n *notifier, b backend.Backend, lim *providerLimiter, plan target.Planned, pol policy.Policy, job backend.Job) (verdict, error) {
	ctf := pol.CoarseToFine

	draftJob := job
	draftJob.ID = job.ID + "-draft"
	draftJob.Stage = backend.StageDraft
	draftJob.Quality = pol.DraftQuality
	draftJob.WorkDir = filepath.Join(job.WorkDir, "draft")

	draftRes, draftScored, err := s.runJobScored(ctx, n, b, lim, plan, pol, draftJob, backend.StageDraft, "")
	if err != nil {
		return verdict{}, err
	}
	if len(draftScored.Scores) == 0 {
		draftRes.SkippedReason = SkipReasonNoDraftCandidate
		s.recorder.RecordJob(draftRes)
		return s.singleStage(ctx, n, b, lim, plan, pol, job, SkipReasonNoDraftCandidate)
	}

	promoted := promoteDrafts(&draftRes, draftScored, ctf)
	if len(promoted) == 0 {
		draftRes.SkippedReason = SkipReasonNoDraftPromoted
		s.recorder.RecordJob(draftRes)
		return s.singleStage(ctx, n, b, lim, plan, pol, job, SkipReasonNoDraftPromoted)
	}
	s.recorder.RecordJob(draftRes)

	// Refine each promoted draft in rank order; every refine call carries
	// the draft it came from so scores stay traceable.
	var (
		best    *scoring.Score
		bestRes provenance.JobResult
		reasons []string
	)
	for i, draft := range promoted {
		if ctx.Err() != nil {
			return verdict{}, ctx.Err()
		}
		refineJob := job
		refineJob.ID = fmt.Sprintf("%s-refine-%02d", job.ID, i+1)
		refineJob.Stage = backend.StageRefine
		refineJob.Quality = pol.FinalQuality
		refineJob.Candidates = 1
		refineJob.WorkDir = filepath.Join(job.WorkDir, fmt.Sprintf("refine_%02d", i+1))
		refineJob.Edit = refineEdit(plan.Target.Edit, draft.Path)

		res, scored, err := s.runJobScored(ctx, n, b, lim, plan, pol, refineJob, backend.StageRefine, draft.Path)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return verdict{}, err
			}
			reasons = append(reasons, fmt.Sprintf("refine failed: %v", err))
			continue
		}
		w := acceptedWinner(scored)
		if w == nil {
			reasons = append(reasons, rejectionReasons(scored)...)
			s.recorder.RecordJob(res)
			continue
		}
		if best == nil || w.Score > best.Score {
			if best != nil {
				s.recorder.RecordJob(bestRes)
			}
			best, bestRes = w, res
		} else {
			s.recorder.RecordJob(res)
		}
	}

	if best != nil {
		if err := s.finalize(n, plan, bestRes, *best); err != nil {
			return verdict{}, err
		}
		return verdict{Accepted: true}, nil
	}

	// No refine survived; the best accepted draft is still usable.
	if dw := acceptedWinner(draftScored); dw != nil {
		fallback := draftRes
		fallback.JobID = draftJob.ID + "-fallback"
		fallback.Candidates = nil
		fallback.Scores = nil
		if err := s.finalize(n, plan, fallback, *dw); err != nil {
			return verdict{}, err
		}
		return verdict{Accepted: true}, nil
	}
	return rejected(reasons...), nil
}

// runJobScored admits one job through the backend limiter, executes it and
// scores its candidates. Once admitted, the job finishes even if the run is
// being cancelled.
func (s *Scheduler) runJobScored(ctx context.Context, n *notifier, b backend.Backend, lim *providerLimiter, plan target.Planned, pol policy.Policy, job backend.Job, stage, source string) (provenance.JobResult, scoring.Result, error) {
	if err := lim.acquire(ctx); err != nil {
		return provenance.JobResult{}, scoring.Result{}, err
	}
	started := time.Now().UTC()
	n.emit(func() { s.observer.JobStarted(job) })

	jobCtx := context.WithoutCancel(ctx)
	out, err := b.RunJob(jobCtx, job)
	lim.release()
	if err != nil {
		return provenance.JobResult{}, scoring.Result{}, b.NormalizeError(err)
	}

	paths := make([]string, 0, len(out.Candidates))
	for _, c := range out.Candidates {
		paths = append(paths, c.Path)
	}
	scored, err := s.scorer.Score(jobCtx, scoring.Request{
		Target:           plan.Target,
		Policy:           pol,
		Paths:            paths,
		Stage:            stage,
		SourceOutputPath: source,
		OutputDir:        s.outputRoot,
	})
	if err != nil {
		return provenance.JobResult{}, scoring.Result{}, fmt.Errorf("score job %s: %w", job.ID, err)
	}

	res := provenance.JobResult{
		JobID:      job.ID,
		TargetID:   plan.Target.ID,
		Provider:   b.Name(),
		Model:      job.Model,
		Stage:      stage,
		Candidates: out.Candidates,
		Scores:     scored.Scores,
		InputHash:  plan.Fingerprint,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	return res, scored, nil
}

// finalize installs the winning candidate at the target's output path,
// records the job result and notifies the observer.
func (s *Scheduler) finalize(n *notifier, plan target.Planned, res provenance.JobResult, winner scoring.Score) error {
	dst := filepath.Join(s.outputRoot, filepath.FromSlash(plan.Target.OutputPath))
	bytes, err := installOutput(winner.Path, dst)
	if err != nil {
		return fmt.Errorf("install output for %s: %w", plan.Target.ID, err)
	}
	res.OutputPath = plan.Target.OutputPath
	res.BytesWritten = bytes
	s.recorder.RecordJob(res)
	n.emit(func() { s.observer.JobFinished(res) })
	s.log.Info("target resolved",
		"target", plan.Target.ID, "provider", res.Provider,
		"output", res.OutputPath, "score", winner.Score)
	return nil
}

// promoteDrafts applies the promotion gate to ranked draft scores, flags
// promoted entries in res and tags the rest with a discard reason. Returned
// scores keep rank order.
func promoteDrafts(res *provenance.JobResult, scored scoring.Result, ctf *policy.CoarseToFine) []scoring.Score {
	topK := ctf.PromoteTopK
	if topK < 1 {
		topK = 1
	}
	var promoted []scoring.Score
	for i := range scored.Scores {
		sc := scored.Scores[i]
		ok := len(promoted) < topK
		if ok && ctf.MinDraftScore != nil && sc.Score < *ctf.MinDraftScore {
			ok = false
		}
		if ok && ctf.RequireDraftAcceptance && !sc.PassedAcceptance {
			ok = false
		}
		if ok {
			promoted = append(promoted, sc)
			res.Scores[i].Promoted = true
		} else {
			res.Scores[i].Reasons = append(res.Scores[i].Reasons, ReasonDraftNotPromoted)
		}
	}
	return promoted
}

// refineEdit builds the edit spec for a refine job on top of the target's
// own edit settings, if any.
func refineEdit(base *target.EditSpec, draftPath string) *target.EditSpec {
	e := &target.EditSpec{}
	if base != nil {
		cp := *base
		e = &cp
	}
	e.BaseImage = draftPath
	if e.Instruction == "" {
		e.Instruction = "Refine this draft into the final image. Keep composition and subject unchanged; improve detail, edge cleanliness and overall polish."
	}
	e.PreserveComposition = true
	return e
}

func acceptedWinner(r scoring.Result) *scoring.Score {
	for i := range r.Scores {
		if r.Scores[i].Selected && r.Scores[i].PassedAcceptance {
			sc := r.Scores[i]
			return &sc
		}
	}
	return nil
}

func rejectionReasons(r scoring.Result) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sc := range r.Scores {
		for _, reason := range sc.Reasons {
			if !seen[reason] {
				seen[reason] = true
				out = append(out, reason)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) limiterFor(b backend.Backend, pol policy.Policy) *providerLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters[b.Name()]; ok {
		return lim
	}
	caps := b.Capabilities()
	conc := pol.Concurrency
	if conc < 1 {
		conc = caps.DefaultConcurrency
	}
	lim := newProviderLimiter(conc, pol.RateLimitPerMinute, caps.MinDelay)
	s.limiters[b.Name()] = lim
	return lim
}

// installOutput copies src to dst atomically (temp file then rename) and
// returns the byte count.
func installOutput(src, dst string) (int64, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return int64(len(data)), nil
}
