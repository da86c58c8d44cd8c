// Package run drives a whole generation run: policy normalization and
// fingerprinting per target, scheduling, the consistency pass, selection
// approval and the provenance file. The CLI stays a thin shell over this
// package.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Someblueman/lootforge-sub002/internal/backend"
	"github.com/Someblueman/lootforge-sub002/internal/consistency"
	"github.com/Someblueman/lootforge-sub002/internal/fingerprint"
	"github.com/Someblueman/lootforge-sub002/internal/journal"
	"github.com/Someblueman/lootforge-sub002/internal/policy"
	"github.com/Someblueman/lootforge-sub002/internal/provenance"
	"github.com/Someblueman/lootforge-sub002/internal/scheduler"
	"github.com/Someblueman/lootforge-sub002/internal/scoring"
	"github.com/Someblueman/lootforge-sub002/internal/selection"
	"github.com/Someblueman/lootforge-sub002/internal/target"
)

// ProvenanceFileName is the per-run record written under the output root.
const ProvenanceFileName = "provenance.json"

// Options configures a Coordinator.
type Options struct {
	Logger   *slog.Logger
	Registry *backend.Registry
	Scorer   scheduler.Scorer

	// Locks is optional; without it skip-locked and selection operations
	// are unavailable.
	Locks *selection.Manager

	// Journal is optional; when set, run events are appended as they
	// happen.
	Journal *journal.Store

	// Observer receives scheduler notifications in addition to the
	// journal.
	Observer scheduler.Observer

	OutputRoot      string
	DefaultProvider string

	// Strict escalates policy normalization warnings to fatal.
	Strict bool

	SkipLocked bool

	// SampleTelemetry bookends the provenance record with CPU/memory
	// snapshots.
	SampleTelemetry bool

	// Consistency sets the group-level default thresholds; zero values
	// resolve to package defaults.
	Consistency consistency.Thresholds
}

// Coordinator owns the run lifecycle. One Coordinator may serve many runs.
type Coordinator struct {
	log  *slog.Logger
	opts Options
}

// Outcome is the process-level result of one run.
type Outcome struct {
	RunID       string              `json:"run_id"`
	Summary     scheduler.Summary   `json:"summary"`
	Record      provenance.Record   `json:"-"`
	Consistency consistency.Report  `json:"consistency,omitempty"`
	Issues      map[string][]string `json:"issues,omitempty"`

	// Succeeded is false when any target failed or the run was cut short.
	Succeeded bool `json:"succeeded"`
}

func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, errors.New("run: registry is required")
	}
	if opts.Scorer == nil {
		return nil, errors.New("run: scorer is required")
	}
	if strings.TrimSpace(opts.OutputRoot) == "" {
		return nil, errors.New("run: output root is required")
	}
	if strings.TrimSpace(opts.DefaultProvider) == "" {
		return nil, errors.New("run: default provider is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{log: log, opts: opts}, nil
}

// Generate plans and executes a full run over targets. Targets whose policy
// is rejected at plan time are recorded as failures; they never abort the
// run for the others.
func (c *Coordinator) Generate(ctx context.Context, targets []*target.Target) (Outcome, error) {
	plans, issues, rejected, err := c.planAll(targets)
	if err != nil {
		return Outcome{}, err
	}
	return c.execute(ctx, plans, issues, rejected, c.opts.SkipLocked)
}

// Regenerate re-runs the named targets using each one's locked, approved
// output as the edit base. Missing, unapproved and fingerprint-stale lock
// entries fail with the selection sentinel errors.
func (c *Coordinator) Regenerate(ctx context.Context, targets []*target.Target, ids []string) (Outcome, error) {
	if c.opts.Locks == nil {
		return Outcome{}, errors.New("run: regeneration needs a selection lock manager")
	}
	plans, issues, rejected, err := c.planAll(targets)
	if err != nil {
		return Outcome{}, err
	}

	byID := make(map[string]target.Planned, len(plans))
	for _, p := range plans {
		byID[p.Target.ID] = p
	}

	regen := make([]target.Planned, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			if codes, bad := rejected[id]; bad {
				return Outcome{}, fmt.Errorf("run: target %q: policy rejected: %v", id, codes)
			}
			return Outcome{}, fmt.Errorf("run: unknown target %q", id)
		}
		_, basePath, err := c.opts.Locks.ResolveApproved(id, p.Fingerprint)
		if err != nil {
			return Outcome{}, fmt.Errorf("run: regenerate %s: %w", id, err)
		}

		tgt := *p.Target
		var edit target.EditSpec
		if tgt.Edit != nil {
			edit = *tgt.Edit
		}
		edit.BaseImage = basePath
		edit.PreserveComposition = true
		tgt.Edit = &edit
		tgt.GenerationDisabled = false

		rp, _, err := c.planOne(&tgt)
		if err != nil {
			return Outcome{}, err
		}
		regen = append(regen, rp)
	}
	// Regeneration is an explicit request; locked state never skips it.
	return c.execute(ctx, regen, issues, nil, false)
}

// ApproveSelection locks the named targets' current outputs at their
// current fingerprints and saves the lock file.
func (c *Coordinator) ApproveSelection(targets []*target.Target, ids []string) error {
	if c.opts.Locks == nil {
		return errors.New("run: selection needs a lock manager")
	}
	plans, _, rejected, err := c.planAll(targets)
	if err != nil {
		return err
	}
	byID := make(map[string]target.Planned, len(plans))
	for _, p := range plans {
		byID[p.Target.ID] = p
	}
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			if codes, bad := rejected[id]; bad {
				return fmt.Errorf("run: target %q: policy rejected: %v", id, codes)
			}
			return fmt.Errorf("run: unknown target %q", id)
		}
		if err := c.opts.Locks.Approve(id, p.Fingerprint, p.Target.OutputPath); err != nil {
			return fmt.Errorf("run: approve %s: %w", id, err)
		}
		c.journal(journal.Entry{Event: journal.EventSelection, TargetID: id,
			Detail: map[string]any{"output_path": p.Target.OutputPath}})
	}
	return c.opts.Locks.Save()
}

// Plan validates, normalizes and fingerprints every target. Normalization
// issues are returned per target. Targets with error-level issues are left
// out of the returned plans; their issue codes still appear in the map.
func (c *Coordinator) Plan(targets []*target.Target) ([]target.Planned, map[string][]string, error) {
	plans, issues, _, err := c.planAll(targets)
	return plans, issues, err
}

// planAll plans every target. A target whose issue set is fatal lands in
// the rejected map instead of the plan list; it fails that target alone.
// Under strict mode warnings escalate and any fatal set aborts planning
// outright. Run-level trouble (a malformed target, a fingerprint failure)
// is always an error.
func (c *Coordinator) planAll(targets []*target.Target) ([]target.Planned, map[string][]string, map[string][]string, error) {
	plans := make([]target.Planned, 0, len(targets))
	issues := make(map[string][]string)
	rejected := make(map[string][]string)
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, nil, nil, fmt.Errorf("run: %w", err)
		}
		pol, is := c.normalizeFor(t)
		if codes := is.Codes(); len(codes) > 0 {
			issues[t.ID] = codes
		}
		if is.Fatal(c.opts.Strict) {
			if c.opts.Strict {
				return nil, nil, nil, fmt.Errorf("run: target %s: policy rejected: %v", t.ID, is.Codes())
			}
			rejected[t.ID] = is.Codes()
			c.log.Warn("target rejected at planning", "target", t.ID, "codes", is.Codes())
			continue
		}
		provider := c.providerOf(t)
		fp, err := fingerprint.Compute(t, pol, provider, t.Model)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("run: fingerprint %s: %w", t.ID, err)
		}
		plans = append(plans, target.Planned{Target: t, Policy: pol, Fingerprint: fp})
	}
	return plans, issues, rejected, nil
}

func (c *Coordinator) planOne(t *target.Target) (target.Planned, policy.Issues, error) {
	if err := t.Validate(); err != nil {
		return target.Planned{}, nil, fmt.Errorf("run: %w", err)
	}
	pol, is := c.normalizeFor(t)
	if is.Fatal(c.opts.Strict) {
		return target.Planned{}, is, fmt.Errorf("run: target %s: policy rejected: %v", t.ID, is.Codes())
	}
	provider := c.providerOf(t)
	fp, err := fingerprint.Compute(t, pol, provider, t.Model)
	if err != nil {
		return target.Planned{}, is, fmt.Errorf("run: fingerprint %s: %w", t.ID, err)
	}
	return target.Planned{Target: t, Policy: pol, Fingerprint: fp}, is, nil
}

func (c *Coordinator) normalizeFor(t *target.Target) (policy.Policy, policy.Issues) {
	provider := c.providerOf(t)
	b, ok := c.opts.Registry.Get(provider)
	if !ok {
		return policy.Policy{}, policy.Issues{{
			Level:   policy.LevelError,
			Code:    "unknown_provider",
			Message: fmt.Sprintf("backend %q is not registered", provider),
		}}
	}
	return policy.Normalize(t.Policy, provider, b.Capabilities())
}

func (c *Coordinator) providerOf(t *target.Target) string {
	if t.Provider != "" {
		return t.Provider
	}
	return c.opts.DefaultProvider
}

func (c *Coordinator) execute(ctx context.Context, plans []target.Planned, issues, rejected map[string][]string, skipLocked bool) (Outcome, error) {
	fps := make([]string, 0, len(plans))
	for _, p := range plans {
		fps = append(fps, p.Fingerprint)
	}
	runHash := fingerprint.Combine(fps...)

	rec := provenance.NewRecorder(provenance.Options{
		Logger:          c.log,
		InputHash:       runHash,
		SampleTelemetry: c.opts.SampleTelemetry,
	})
	runID := rec.RunID()
	c.journal(journal.Entry{Event: journal.EventRunStarted, RunID: runID,
		Detail: map[string]any{"targets": len(plans), "input_hash": runHash}})

	sched, err := scheduler.New(scheduler.Options{
		Logger:          c.log,
		Registry:        c.opts.Registry,
		Scorer:          c.opts.Scorer,
		Recorder:        rec,
		Locks:           c.opts.Locks,
		Observer:        &journalObserver{next: c.opts.Observer, jrnl: c.opts.Journal, runID: runID},
		OutputRoot:      c.opts.OutputRoot,
		DefaultProvider: c.opts.DefaultProvider,
		SkipLocked:      skipLocked,
	})
	if err != nil {
		return Outcome{}, err
	}

	sum, runErr := sched.Run(ctx, plans)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return Outcome{}, runErr
	}

	for id, codes := range rejected {
		f := provenance.Failure{
			TargetID:   id,
			Error:      fmt.Sprintf("policy rejected: %v", codes),
			Structural: true,
		}
		rec.RecordFailure(f)
		c.journal(journal.Entry{Event: journal.EventJobFailed, RunID: runID,
			TargetID: id, Status: "failure", Error: f.Error})
		sum.Failed++
		sum.FailedTargets = append(sum.FailedTargets, id)
	}
	sort.Strings(sum.FailedTargets)

	planTargets := make([]*target.Target, 0, len(plans))
	for _, p := range plans {
		planTargets = append(planTargets, p.Target)
	}
	report := BuildConsistency(rec.Snapshot(), planTargets, c.opts.Consistency)
	if len(report.Groups) > 0 {
		rec.RecordConsistency(report)
	}

	record, err := rec.Finish(filepath.Join(c.opts.OutputRoot, ProvenanceFileName))
	if err != nil {
		return Outcome{}, fmt.Errorf("run: write provenance: %w", err)
	}

	out := Outcome{
		RunID:       runID,
		Summary:     sum,
		Record:      record,
		Consistency: report,
		Issues:      issues,
		Succeeded:   sum.Failed == 0 && sum.Cancelled == 0,
	}
	status := "success"
	if !out.Succeeded {
		status = "failure"
	}
	c.journal(journal.Entry{Event: journal.EventRunFinished, RunID: runID, Status: status,
		Detail: map[string]any{
			"succeeded": sum.Succeeded, "failed": sum.Failed,
			"skipped_locked": sum.SkippedLocked, "cancelled": sum.Cancelled,
		}})
	c.log.Info("run complete", "run", runID,
		"succeeded", sum.Succeeded, "failed", sum.Failed,
		"skipped_locked", sum.SkippedLocked, "cancelled", sum.Cancelled)
	return out, nil
}

func (c *Coordinator) journal(e journal.Entry) {
	if c.opts.Journal != nil {
		c.opts.Journal.Append(e)
	}
}

// BuildConsistency collects the selected score's recognized metrics from
// every resolved target in rec into its consistency group and runs outlier
// detection. It also serves re-analysis of a previously written record.
func BuildConsistency(rec provenance.Record, targets []*target.Target, defaults consistency.Thresholds) consistency.Report {
	specs := make(map[string]*target.ConsistencySpec, len(targets))
	for _, t := range targets {
		if t.Consistency != nil && strings.TrimSpace(t.Consistency.Group) != "" {
			specs[t.ID] = t.Consistency
		}
	}
	if len(specs) == 0 {
		return consistency.Report{}
	}

	groups := make(map[string][]consistency.Member)
	for _, job := range rec.Jobs {
		if job.OutputPath == "" {
			continue
		}
		spec, ok := specs[job.TargetID]
		if !ok {
			continue
		}
		metrics := selectedMetrics(job.Scores)
		if len(metrics) == 0 {
			continue
		}
		groups[spec.Group] = append(groups[spec.Group], consistency.Member{
			TargetID:         job.TargetID,
			Metrics:          metrics,
			WarnThreshold:    spec.WarnThreshold,
			PenaltyThreshold: spec.PenaltyThreshold,
			PenaltyWeight:    spec.PenaltyWeight,
		})
	}
	return consistency.Evaluate(groups, defaults)
}

func selectedMetrics(scores []scoring.Score) map[string]float64 {
	for _, sc := range scores {
		if !sc.Selected {
			continue
		}
		out := make(map[string]float64)
		for name, v := range sc.Metrics {
			if consistency.Recognized(name) {
				out[name] = v
			}
		}
		for name, v := range sc.AdapterComponents {
			if consistency.Recognized(name) {
				out[name] = v
			}
		}
		return out
	}
	return nil
}

// journalObserver fans scheduler notifications out to the journal and an
// optional downstream observer.
type journalObserver struct {
	next  scheduler.Observer
	jrnl  *journal.Store
	runID string
}

func (o *journalObserver) RunPrepared(total int) {
	if o.next != nil {
		o.next.RunPrepared(total)
	}
}

func (o *journalObserver) JobStarted(job backend.Job) {
	o.jrnl.Append(journal.Entry{Event: journal.EventJobStarted, RunID: o.runID,
		TargetID: job.TargetID, Provider: job.Provider, Stage: job.Stage})
	if o.next != nil {
		o.next.JobStarted(job)
	}
}

func (o *journalObserver) JobFinished(res provenance.JobResult) {
	o.jrnl.Append(journal.Entry{Event: journal.EventJobFinished, RunID: o.runID,
		TargetID: res.TargetID, Provider: res.Provider, Stage: res.Stage,
		Detail: map[string]any{"output_path": res.OutputPath, "bytes": res.BytesWritten}})
	if o.next != nil {
		o.next.JobFinished(res)
	}
}

func (o *journalObserver) JobFailed(f provenance.Failure) {
	o.jrnl.Append(journal.Entry{Event: journal.EventJobFailed, RunID: o.runID,
		TargetID: f.TargetID, Provider: f.Provider, Status: "failure", Error: f.Error,
		Detail: map[string]any{"attempted_providers": f.AttemptedProviders, "structural": f.Structural}})
	if o.next != nil {
		o.next.JobFailed(f)
	}
}
