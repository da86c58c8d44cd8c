// Package provenance durably records every job attempt, candidate, score
// and failure of a run, for audit and benchmarking.
//
// The recorder accepts results in arrival order (independent targets finish
// in any order) and writes the run record once, after the run completes.
// A written record is never mutated.
package provenance

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Someblueman/lootforge-sub002/internal/backend"
	"github.com/Someblueman/lootforge-sub002/internal/consistency"
	"github.com/Someblueman/lootforge-sub002/internal/scoring"
)

// JobResult is the recorded outcome of one executed job.
type JobResult struct {
	JobID    string `json:"job_id"`
	TargetID string `json:"target_id"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`

	// Stage is set for coarse-to-fine stage jobs.
	Stage string `json:"stage,omitempty"`

	// SkippedReason is set when a flow fell back (e.g. coarse-to-fine
	// degraded to single-stage).
	SkippedReason string `json:"skipped_reason,omitempty"`

	OutputPath   string `json:"output_path,omitempty"`
	BytesWritten int64  `json:"bytes_written,omitempty"`

	Candidates []backend.Candidate `json:"candidates,omitempty"`
	Scores     []scoring.Score     `json:"scores,omitempty"`

	InputHash  string    `json:"input_hash,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Failure is recorded when every backend/retry option for a target is
// exhausted.
type Failure struct {
	TargetID string `json:"target_id"`

	// Provider is the last backend attempted.
	Provider string `json:"provider,omitempty"`

	// AttemptedProviders enumerates every backend actually tried, in
	// order.
	AttemptedProviders []string `json:"attempted_providers"`

	Error string `json:"error"`

	// Structural marks failures caused by unsupported features rather
	// than transient backend trouble.
	Structural bool `json:"structural,omitempty"`
}

// Record is the per-run provenance document.
type Record struct {
	RunID     string `json:"run_id"`
	InputHash string `json:"input_hash,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Telemetry snapshots bookend the run for benchmarking.
	StartTelemetry  *Telemetry `json:"start_telemetry,omitempty"`
	FinishTelemetry *Telemetry `json:"finish_telemetry,omitempty"`

	Jobs     []JobResult `json:"jobs"`
	Failures []Failure   `json:"failures"`

	// Consistency is the group outlier report, attached after all jobs
	// resolved.
	Consistency *consistency.Report `json:"consistency,omitempty"`
}

// Recorder accumulates one run's record. Safe for concurrent use: results
// arrive from many in-flight jobs.
type Recorder struct {
	log *slog.Logger

	mu       sync.Mutex
	record   Record
	finished bool
}

// Options configures a Recorder.
type Options struct {
	Logger *slog.Logger

	// RunID defaults to a fresh UUID.
	RunID string

	// InputHash is the run-level fingerprint over all planned targets.
	InputHash string

	// SampleTelemetry enables gopsutil CPU/memory snapshots. Sampling
	// failures degrade to absent fields, never fail the run.
	SampleTelemetry bool
}

// NewRecorder starts a run record.
func NewRecorder(opts Options) *Recorder {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	r := &Recorder{
		log: log,
		record: Record{
			RunID:     runID,
			InputHash: opts.InputHash,
			StartedAt: time.Now().UTC(),
			Jobs:      []JobResult{},
			Failures:  []Failure{},
		},
	}
	if opts.SampleTelemetry {
		r.record.StartTelemetry = sampleTelemetry(log)
	}
	return r
}

// RunID returns the run identifier.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.RunID
}

// RecordJob appends one job result, in arrival order.
func (r *Recorder) RecordJob(res JobResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		r.log.Warn("job result after run finished", "run", r.record.RunID, "target", res.TargetID)
		return
	}
	r.record.Jobs = append(r.record.Jobs, res)
}

// RecordFailure appends one exhaustion failure, in arrival order.
func (r *Recorder) RecordFailure(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		r.log.Warn("failure after run finished", "run", r.record.RunID, "target", f.TargetID)
		return
	}
	r.record.Failures = append(r.record.Failures, f)
}

// RecordConsistency attaches the group outlier report.
func (r *Recorder) RecordConsistency(rep consistency.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		r.log.Warn("consistency report after run finished", "run", r.record.RunID)
		return
	}
	r.record.Consistency = &rep
}

// Snapshot returns a copy of the record accumulated so far.
func (r *Recorder) Snapshot() Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *Recorder) copyLocked() Record {
	out := r.record
	out.Jobs = append([]JobResult(nil), r.record.Jobs...)
	out.Failures = append([]Failure(nil), r.record.Failures...)
	return out
}

// Finish seals the record and writes it to path (atomic temp + rename).
// Calling Finish twice is an error.
func (r *Recorder) Finish(path string) (Record, error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return Record{}, errors.New("run record already finished")
	}
	r.finished = true
	r.record.FinishedAt = time.Now().UTC()
	if r.record.StartTelemetry != nil {
		r.record.FinishTelemetry = sampleTelemetry(r.log)
	}
	out := r.copyLocked()
	r.mu.Unlock()

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("marshal run record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Record{}, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return Record{}, fmt.Errorf("write run record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Record{}, err
	}
	r.log.Info("run record written", "run", out.RunID, "path", path,
		"jobs", len(out.Jobs), "failures", len(out.Failures))
	return out, nil
}
