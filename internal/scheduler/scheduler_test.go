package scheduler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Someblueman/lootforge-sub002/internal/backend"
	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/provenance"
	"github.com/Someblueman/lootforge-sub002/internal/scoring"
	"github.com/Someblueman/lootforge-sub002/internal/selection"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func stubCaps() policy.Capabilities {
	return policy.Capabilities{
		Formats:              []string{"png"},
		AlphaFormats:         []string{"png"},
		SupportsTransparency: true,
		MaxCandidates:        8,
		DefaultConcurrency:   4,
	}
}

// stubBackend writes real candidate files through the run hook and records
// every executed job.
type stubBackend struct {
	name     string
	caps     policy.Capabilities
	editable bool
	run      func(job backend.Job) (backend.RunOutput, error)

	mu   sync.Mutex
	jobs []backend.Job
}

func (s *stubBackend) Name() string { return s.name }
func (s *stubBackend) Capabilities() policy.Capabilities { return s.caps }

func (s *stubBackend) Supports(f backend.Feature) bool {
	if f == backend.FeatureImageEdit {
		return s.editable
	}
	return true
}

func (s *stubBackend) PrepareJobs(_ context.Context, plans []target.Planned, workRoot string) ([]backend.Job, error) {
	jobs := make([]backend.Job, 0, len(plans))
	for _, p := range plans {
		jobs = append(jobs, backend.Job{
			ID:           p.Target.ID + "-job",
			Provider:     s.name,
			TargetID:     p.Target.ID,
			Prompt:       p.Target.Prompt.Render(),
			Size:         p.Policy.Size,
			Quality:      p.Policy.Quality,
			OutputFormat: p.Policy.OutputFormat,
			Candidates:   p.Policy.Candidates,
			Edit:         p.Target.Edit,
			WorkDir:      filepath.Join(workRoot, s.name, p.Target.ID),
			InputHash:    p.Fingerprint,
		})
	}
	return jobs, nil
}

func (s *stubBackend) RunJob(_ context.Context, job backend.Job) (backend.RunOutput, error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return s.run(job)
}

func (s *stubBackend) NormalizeError(err error) *backend.Error {
	if err == nil {
		return nil
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return be
	}
	return &backend.Error{Provider: s.name, Code: "request_failed", Message: err.Error(), Transient: true}
}

func (s *stubBackend) seen() []backend.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 * x % 255), G: uint8(60 * y % 255), B: 90, A: 255})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func candidatesOf(paths ...string) backend.RunOutput {
	out := backend.RunOutput{}
	for _, p := range paths {
		st, _ := os.Stat(p)
		var size int64
		if st != nil {
			size = st.Size()
		}
		out.Candidates = append(out.Candidates, backend.Candidate{Path: p, Bytes: size})
	}
	return out
}

func testPlan(id string, pol policy.Policy) target.Planned {
	tgt := &target.Target{
		ID:         id,
		OutputPath: "sprites/" + id + ".png",
		Prompt:     target.PromptSpec{Text: "a small test sprite"},
	}
	norm, _ := policy.Normalize(pol, "stub", stubCaps())
	return target.Planned{Target: tgt, Policy: norm, Fingerprint: "fp-" + id}
}

func basePolicy() policy.Policy {
	return policy.Policy{Size: "8x8", OutputFormat: "png"}
}

func newTestScheduler(t *testing.T, root string, backends []backend.Backend, mut func(*Options)) (*Scheduler, *provenance.Recorder) {
	t.Helper()
	reg, err := backend.NewRegistry(backends...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	scorer, err := scoring.New(scoring.Config{}, testLogger())
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}
	rec := provenance.NewRecorder(provenance.Options{Logger: testLogger()})
	opts := Options{
		Logger:          testLogger(),
		Registry:        reg,
		Scorer:          scorer,
		Recorder:        rec,
		OutputRoot:      root,
		DefaultProvider: "stub",
		RetryBackoff:    time.Millisecond,
	}
	if mut != nil {
		mut(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, rec
}

func TestRunSelectsAcceptedCandidate(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sb := &stubBackend{name: "stub", caps: stubCaps()}
	sb.run = func(job backend.Job) (backend.RunOutput, error) {
		good := writePNG(t, job.WorkDir, "cand_01.png", 8, 8)
		bad := writePNG(t, job.WorkDir, "cand_02.png", 16, 16)
		return candidatesOf(good, bad), nil
	}
	s, rec := newTestScheduler(t, root, []backend.Backend{sb}, nil)

	sum, err := s.Run(context.Background(), []target.Planned{testPlan("hero", basePolicy())})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != 1 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if _, err := os.Stat(filepath.Join(root, "sprites", "hero.png")); err != nil {
		t.Fatalf("installed output missing: %v", err)
	}
	snap := rec.Snapshot()
	if len(snap.Jobs) != 1 {
		t.Fatalf("jobs recorded = %d", len(snap.Jobs))
	}
	res := snap.Jobs[0]
	if res.OutputPath != "sprites/hero.png" || res.BytesWritten == 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Scores) != 2 {
		t.Fatalf("scores = %d", len(res.Scores))
	}
	var selected *scoring.Score
	for i := range res.Scores {
		if res.Scores[i].Selected {
			selected = &res.Scores[i]
		}
	}
	if selected == nil || !selected.PassedAcceptance {
		t.Fatalf("selected score missing or rejected: %+v", res.Scores)
	}
	if !strings.HasSuffix(selected.Path, "cand_01.png") {
		t.Fatalf("selected %q, want the correctly sized candidate", selected.Path)
	}
}

func TestRunRejectedRetriesThenFails(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sb := &stubBackend{name: "stub", caps: stubCaps()}
	sb.run = func(job backend.Job) (backend.RunOutput, error) {
		// Always the wrong size, so acceptance rejects every attempt.
		return candidatesOf(writePNG(t, job.WorkDir, "cand_01.png", 16, 16)), nil
	}
	pol := basePolicy()
	pol.MaxRetries = 1
	s, rec := newTestScheduler(t, root, []backend.Backend{sb}, nil)

	sum, err := s.Run(context.Background(), []target.Planned{testPlan("hero", pol)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 || len(sum.FailedTargets) != 1 || sum.FailedTargets[0] != "hero" {
		t.Fatalf("summary = %+v", sum)
	}
	if got := len(sb.seen()); got != 2 {
		t.Fatalf("backend calls = %d, want 2 (initial + one retry)", got)
	}
	snap := rec.Snapshot()
	if len(snap.Jobs) != 2 {
		t.Fatalf("jobs recorded = %d", len(snap.Jobs))
	}
	for _, j := range snap.Jobs {
		if j.OutputPath != "" {
			t.Fatalf("rejected attempt has output path: %+v", j)
		}
	}
	if len(snap.Failures) != 1 {
		t.Fatalf("failures = %d", len(snap.Failures))
	}
	f := snap.Failures[0]
	if f.TargetID != "hero" || len(f.AttemptedProviders) != 1 || f.AttemptedProviders[0] != "stub" {
		t.Fatalf("failure = %+v", f)
	}
	if !strings.Contains(f.Error, scoring.ReasonSizeMismatch) {
		t.Fatalf("failure error %q does not carry the rejection reason", f.Error)
	}
}

func TestRunFallbackChainRecordsAttemptedProviders(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	alpha := &stubBackend{name: "alpha", caps: stubCaps()}
	alpha.run = func(backend.Job) (backend.RunOutput, error) {
		return backend.RunOutput{}, &backend.Error{Provider: "alpha", Code: "rate_limited", Message: "429", Transient: true}
	}
	beta := &stubBackend{name: "beta", caps: stubCaps()}
	beta.run = func(backend.Job) (backend.RunOutput, error) {
		return backend.RunOutput{}, &backend.Error{Provider: "beta", Code: "invalid_request", Message: "bad size"}
	}
	pol := basePolicy()
	pol.MaxRetries = 1
	pol.FallbackProviders = []string{"beta"}
	s, rec := newTestScheduler(t, root, []backend.Backend{alpha, beta}, func(o *Options) {
		o.DefaultProvider = "alpha"
	})

	plan := testPlan("hero", pol)
	sum, err := s.Run(context.Background(), []target.Planned{plan})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := len(alpha.seen()); got != 2 {
		t.Fatalf("alpha calls = %d, want 2 (transient retried)", got)
	}
	if got := len(beta.seen()); got != 1 {
		t.Fatalf("beta calls = %d, want 1 (structural not retried)", got)
	}
	snap := rec.Snapshot()
	if len(snap.Failures) != 1 {
		t.Fatalf("failures = %d", len(snap.Failures))
	}
	f := snap.Failures[0]
	want := []string{"alpha", "beta"}
	if len(f.AttemptedProviders) != len(want) || f.AttemptedProviders[0] != want[0] || f.AttemptedProviders[1] != want[1] {
		t.Fatalf("attempted = %v, want %v", f.AttemptedProviders, want)
	}
	if !f.Structural || f.Provider != "beta" {
		t.Fatalf("failure = %+v", f)
	}
}

func TestRunDispatchesPlannedPolicy(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sb := &stubBackend{name: "stub", caps: stubCaps()}
	sb.run = func(job backend.Job) (backend.RunOutput, error) {
		return candidatesOf(writePNG(t, job.WorkDir, "cand_01.png", 8, 8)), nil
	}
	pol := basePolicy()
	pol.Candidates = 3
	pol.Quality = "high"
	s, _ := newTestScheduler(t, root, []backend.Backend{sb}, nil)

	plan := testPlan("hero", pol)
	if _, err := s.Run(context.Background(), []target.Planned{plan}); err != nil {
		t.Fatalf("run: %v", err)
	}
	jobs := sb.seen()
	if len(jobs) != 1 {
		t.Fatalf("backend calls = %d", len(jobs))
	}
	job := jobs[0]
	if job.Size != plan.Policy.Size || job.Quality != plan.Policy.Quality || job.Candidates != plan.Policy.Candidates {
		t.Fatalf("dispatched job %+v does not carry the planned policy %+v", job, plan.Policy)
	}
}

func TestRunFallbackRefitsPolicyToCapabilities(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	alpha := &stubBackend{name: "alpha", caps: stubCaps()}
	alpha.run = func(backend.Job) (backend.RunOutput, error) {
		return backend.RunOutput{}, &backend.Error{Provider: "alpha", Code: "invalid_request", Message: "bad prompt"}
	}
	betaCaps := stubCaps()
	betaCaps.MaxCandidates = 1
	beta := &stubBackend{name: "beta", caps: betaCaps}
	beta.run = func(job backend.Job) (backend.RunOutput, error) {
		return candidatesOf(writePNG(t, job.WorkDir, "cand_01.png", 8, 8)), nil
	}
	pol := basePolicy()
	pol.Candidates = 3
	pol.FallbackProviders = []string{"beta"}
	s, _ := newTestScheduler(t, root, []backend.Backend{alpha, beta}, func(o *Options) {
		o.DefaultProvider = "alpha"
	})

	sum, err := s.Run(context.Background(), []target.Planned{testPlan("hero", pol)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	aj := alpha.seen()
	if len(aj) != 1 || aj[0].Candidates != 3 {
		t.Fatalf("alpha jobs = %+v, want one with the planned candidate count", aj)
	}
	bj := beta.seen()
	if len(bj) != 1 || bj[0].Candidates != 1 {
		t.Fatalf("beta jobs = %+v, want candidate count clamped to its capability", bj)
	}
}

func TestRunSkipsLockedAndDisabledTargets(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sb := &stubBackend{name: "stub", caps: stubCaps()}
	sb.run = func(job backend.Job) (backend.RunOutput, error) {
		return candidatesOf(writePNG(t, job.WorkDir, "cand_01.png", 8, 8)), nil
	}

	locks, err := selection.Open(filepath.Join(root, "selection.lock.json"), root)
	if err != nil {
		t.Fatalf("open locks: %v", err)
	}
	locked := testPlan("locked", basePolicy())
	if err := locks.Approve(locked.Target.ID, locked.Fingerprint, locked.Target.OutputPath); err != nil {
		t.Fatalf("approve: %v", err)
	}
	disabled := testPlan("disabled", basePolicy())
	disabled.Target.GenerationDisabled = true

	s, rec := newTestScheduler(t, root, []backend.Backend{sb}, func(o *Options) {
		o.Locks = locks
		o.SkipLocked = true
	})
	sum, err := s.Run(context.Background(), []target.Planned{locked, disabled})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.SkippedLocked != 1 || sum.SkippedDisabled != 1 || sum.Eligible != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := len(sb.seen()); got != 0 {
		t.Fatalf("backend calls = %d, want 0", got)
	}
	if snap := rec.Snapshot(); len(snap.Jobs) != 0 || len(snap.Failures) != 0 {
		t.Fatalf("nothing should be recorded: %+v", snap)
	}
}

func TestCoarseToFinePromotesTopDraft(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sb := &stubBackend{name: "stub", caps: stubCaps(), editable: true}
	sb.run = func(job backend.Job) (backend.RunOutput, error) {
		if job.Stage == backend.StageDraft {
			var paths []string
			for i := 0; i < 4; i++ {
				paths = append(paths, writePNG(t, job.WorkDir, fmt.Sprintf("draft_%02d.png", i+1), 8, 8))
			}
			return candidatesOf(paths...), nil
		}
		if job.Edit == nil || job.Edit.BaseImage == "" {
			return backend.RunOutput{}, errors.New("refine job without edit base")
		}
		return candidatesOf(writePNG(t, job.WorkDir, "refined.png", 8, 8)), nil
	}
	pol := basePolicy()
	pol.Candidates = 4
	pol.CoarseToFine = &policy.CoarseToFine{Enabled: true, PromoteTopK: 1}
	s, rec := newTestScheduler(t, root, []backend.Backend{sb}, nil)

	sum, err := s.Run(context.Background(), []target.Planned{testPlan("boss", pol)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	jobs := sb.seen()
	if len(jobs) != 2 {
		t.Fatalf("backend calls = %d, want draft + one refine", len(jobs))
	}
	draft, refine := jobs[0], jobs[1]
	if draft.Stage != backend.StageDraft || draft.Quality != policy.DefaultDraftQuality {
		t.Fatalf("draft job = %+v", draft)
	}
	if refine.Stage != backend.StageRefine || refine.Quality != policy.DefaultQuality {
		t.Fatalf("refine job = %+v", refine)
	}
	if refine.Edit == nil || !strings.Contains(refine.Edit.BaseImage, "draft") {
		t.Fatalf("refine edit base = %+v", refine.Edit)
	}
	if refine.Candidates != 1 {
		t.Fatalf("refine candidates = %d", refine.Candidates)
	}

	snap := rec.Snapshot()
	var draftRes *provenance.JobResult
	for i := range snap.Jobs {
		if snap.Jobs[i].Stage == backend.StageDraft {
			draftRes = &snap.Jobs[i]
		}
	}
	if draftRes == nil {
		t.Fatal("draft job result not recorded")
	}
	promoted := 0
	discarded := 0
	for _, sc := range draftRes.Scores {
		if sc.Promoted {
			promoted++
			continue
		}
		found := false
		for _, r := range sc.Reasons {
			if r == ReasonDraftNotPromoted {
				found = true
			}
		}
		if !found {
			t.Fatalf("unpromoted draft without discard reason: %+v", sc)
		}
		discarded++
	}
	if promoted != 1 || discarded != 3 {
		t.Fatalf("promoted = %d, discarded = %d", promoted, discarded)
	}
	if _, err := os.Stat(filepath.Join(root, "sprites", "boss.png")); err != nil {
		t.Fatalf("installed output missing: %v", err)
	}
}

func TestCoarseToFineFallsBackWhenEditUnsupported(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sb := &stubBackend{name: "stub", caps: stubCaps(), editable: false}
	sb.run = func(job backend.Job) (backend.RunOutput, error) {
		if job.Stage != "" {
			return backend.RunOutput{}, errors.New("stage job on non-editing backend")
		}
		return candidatesOf(writePNG(t, job.WorkDir, "cand_01.png", 8, 8)), nil
	}
	pol := basePolicy()
	pol.CoarseToFine = &policy.CoarseToFine{Enabled: true, PromoteTopK: 1}
	s, rec := newTestScheduler(t, root, []backend.Backend{sb}, nil)

	sum, err := s.Run(context.Background(), []target.Planned{testPlan("tile", pol)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := len(sb.seen()); got != 1 {
		t.Fatalf("backend calls = %d, want 1", got)
	}
	snap := rec.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].SkippedReason != SkipReasonEditUnsupported {
		t.Fatalf("jobs = %+v", snap.Jobs)
	}
}

// orderObserver records event names; the run's notifier drains before Run
// returns, so assertions need no extra synchronization.
type orderObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *orderObserver) record(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *orderObserver) RunPrepared(total int) {
	o.record(fmt.Sprintf("prepared:%d", total))
}
func (o *orderObserver) JobStarted(backend.Job) { o.record("started") }
func (o *orderObserver) JobFinished(provenance.JobResult) { o.record("finished") }
func (o *orderObserver) JobFailed(provenance.Failure) { o.record("failed") }

func TestObserverNotificationOrder(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	sb := &stubBackend{name: "stub", caps: stubCaps()}
	sb.run = func(job backend.Job) (backend.RunOutput, error) {
		return candidatesOf(writePNG(t, job.WorkDir, "cand_01.png", 8, 8)), nil
	}
	obs := &orderObserver{}
	s, _ := newTestScheduler(t, root, []backend.Backend{sb}, func(o *Options) {
		o.Observer = obs
	})
	if _, err := s.Run(context.Background(), []target.Planned{testPlan("hero", basePolicy())}); err != nil {
		t.Fatalf("run: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{"prepared:1", "started", "finished"}
	if len(obs.events) != len(want) {
		t.Fatalf("events = %v", obs.events)
	}
	for i, ev := range want {
		if obs.events[i] != ev {
			t.Fatalf("event %d = %q, want %q (all: %v)", i, obs.events[i], ev, obs.events)
		}
	}
}

func TestRunCancellationStopsNewDispatch(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	sb := &stubBackend{name: "stub", caps: stubCaps()}
	sb.caps.DefaultConcurrency = 1
	sb.run = func(job backend.Job) (backend.RunOutput, error) {
		started <- struct{}{}
		<-release
		return candidatesOf(writePNG(t, job.WorkDir, "cand_01.png", 8, 8)), nil
	}
	s, rec := newTestScheduler(t, root, []backend.Backend{sb}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan Summary, 1)
	go func() {
		sum, _ := s.Run(ctx, []target.Planned{testPlan("one", basePolicy()), testPlan("two", basePolicy())})
		done <- sum
	}()

	<-started
	cancel()
	close(release)

	sum := <-done
	if sum.Succeeded != 1 || sum.Cancelled != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	// The admitted job finished despite cancellation and was recorded.
	snap := rec.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].OutputPath == "" {
		t.Fatalf("jobs = %+v", snap.Jobs)
	}
	if len(snap.Failures) != 0 {
		t.Fatalf("cancelled target recorded as failure: %+v", snap.Failures)
	}
}

func TestProviderLimiterConcurrency(t *testing.T) {
	t.Parallel()
	lim := newProviderLimiter(1, 0, 0)
	if err := lim.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := lim.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second acquire err = %v, want deadline exceeded", err)
	}
	lim.release()
	if err := lim.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestProviderLimiterWindow(t *testing.T) {
	t.Parallel()
	lim := newProviderLimiter(4, 2, 0)
	for i := 0; i < 2; i++ {
		if err := lim.acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		lim.release()
	}
	if got := lim.startCount(); got != 2 {
		t.Fatalf("start count = %d", got)
	}
	// The window is full; a third admission must wait it out.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := lim.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third acquire err = %v, want deadline exceeded", err)
	}
}

func TestProviderLimiterMinDelay(t *testing.T) {
	t.Parallel()
	lim := newProviderLimiter(4, 0, 40*time.Millisecond)
	if err := lim.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	lim.release()
	begin := time.Now()
	if err := lim.acquire(context.Background()); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	lim.release()
	if elapsed := time.Since(begin); elapsed < 30*time.Millisecond {
		t.Fatalf("second admit after %v, want min-delay spacing", elapsed)
	}
}
