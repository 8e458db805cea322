package jobs

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
)

// Tracker receives lifecycle notifications from a Runner and decides whether it may keep running.
type Tracker interface {
	JobsCanRun() bool
	BeginningRun(job Job) int64
	CompletedRun(summary RunSummary)
	Sleeping(job Job)
	StoppingNormally(job Job)
	StoppingDueToInterrupt(job Job)
	StoppingDueToError(job Job, err error)
	Stopped(job Job)
}

// Sleeper blocks for the given duration, returning an error if woken early.
type Sleeper func(d time.Duration) error

// NewSleeper returns a Sleeper driven by clk that returns ctx.Err() once ctx is done.
func NewSleeper(ctx context.Context, clk clock.Clock) Sleeper {
	return func(d time.Duration) error {
		timer := clk.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
			return nil
		}
	}
}

// Runner executes a single job in a loop until the job completes, fails, is interrupted
// or its Tracker withdraws permission to run.
type Runner struct {
	tracker Tracker
	job     Job
	sleep   Sleeper
	clock   clock.PassiveClock
}

func NewRunner(tracker Tracker, job Job, sleep Sleeper, clock clock.PassiveClock) *Runner {
	return &Runner{
		tracker: tracker,
		job:     job,
		sleep:   sleep,
		clock:   clock,
	}
}

// Run blocks until the job stops. ctx is passed to every call of the job.
func (r *Runner) Run(ctx context.Context) {
	defer r.tracker.Stopped(r.job)

	for r.tracker.JobsCanRun() {
		summary := r.runOnce(ctx)
		r.tracker.CompletedRun(summary)

		if summary.err != nil {
			r.tracker.StoppingDueToError(r.job, summary.err)
			return
		}
		if *summary.outcome == Interrupted {
			r.tracker.StoppingDueToInterrupt(r.job)
			return
		}

		schedule := r.job.Schedule()
		if !schedule.repeats() || !r.tracker.JobsCanRun() {
			break
		}

		r.tracker.Sleeping(r.job)
		if err := r.sleep(schedule.Interval); err != nil {
			r.tracker.StoppingDueToInterrupt(r.job)
			return
		}
	}
	r.tracker.StoppingNormally(r.job)
}

func (r *Runner) runOnce(ctx context.Context) RunSummary {
	runId := r.tracker.BeginningRun(r.job)
	start := r.clock.Now()
	outcome, err := r.call(ctx)
	if err != nil && (processing.IsInterrupted(err) || ctx.Err() != nil) {
		outcome, err = Interrupted, nil
	}
	return NewRunSummary(runId, r.job, start, r.clock.Now(), outcome, err)
}

func (r *Runner) call(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("job %s panicked: %v\n%s", r.job.Name(), p, debug.Stack())
		}
	}()
	return r.job.Call(ctx)
}
