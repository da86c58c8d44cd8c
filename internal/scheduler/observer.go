package scheduler

import (
	"log/slog"

	"github.com/Someblueman/lootforge-sub002/internal/backend"
	"github.com/Someblueman/lootforge-sub002/internal/provenance"
)

// Observer receives lifecycle notifications for a run. Notifications for a
// single run are delivered in order. A slow observer never stalls job
// dispatch: delivery happens on a dedicated goroutine and events are dropped
// (with a warning) if the observer falls too far behind.
type Observer interface {
	// RunPrepared fires once, before any job starts, with the number of
	// jobs the run will dispatch after eligibility filtering.
	RunPrepared(totalJobs int)

	// JobStarted fires when a job is admitted past the backend limiter.
	JobStarted(job backend.Job)

	// JobFinished fires when a target resolves to an accepted output.
	JobFinished(res provenance.JobResult)

	// JobFailed fires when a target exhausts its retry and fallback budget.
	JobFailed(f provenance.Failure)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) RunPrepared(int) {}
func (NopObserver) JobStarted(backend.Job) {}
func (NopObserver) JobFinished(provenance.JobResult) {}
func (NopObserver) JobFailed(provenance.Failure) {}

const observerBuffer = 1024

// notifier serializes observer callbacks onto one goroutine so ordering is
// preserved without blocking the scheduler.
type notifier struct {
	log    *slog.Logger
	events chan func()
	done   chan struct{}
}

func newNotifier(log *slog.Logger) *notifier {
	n := &notifier{
		log:    log,
		events: make(chan func(), observerBuffer),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(n.done)
		for fn := range n.events {
			fn()
		}
	}()
	return n
}

func (n *notifier) emit(fn func()) {
	select {
	case n.events <- fn:
	default:
		n.log.Warn("observer queue full, dropping event")
	}
}

// stop drains pending events and waits for delivery to finish.
func (n *notifier) stop() {
	close(n.events)
	<-n.done
}
