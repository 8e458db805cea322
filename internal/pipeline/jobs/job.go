package jobs

import (
	"context"
	"fmt"
	"time"
)

type Outcome int

const (
	NothingToDo Outcome = iota
	WorkDone
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case NothingToDo:
		return "NothingToDo"
	case WorkDone:
		return "WorkDone"
	case Interrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Schedule is the delay between the end of one run and the start of the next.
// A zero interval means the job runs once.
type Schedule struct {
	Interval time.Duration
}

func (s *Schedule) repeats() bool {
	return s != nil && s.Interval > 0
}

// Job is a unit of work that a Runner executes repeatedly according to its Schedule.
type Job interface {
	Name() string
	// Schedule returns nil for jobs that run exactly once.
	Schedule() *Schedule
	// Interruptible jobs have the context passed to Call cancelled on shutdown.
	// Other jobs are allowed to finish their current run.
	Interruptible() bool
	Call(ctx context.Context) (Outcome, error)
	SmokeTest(ctx context.Context) error
}

// RunSummary describes a single execution of a job. Exactly one of outcome and err is set.
type RunSummary struct {
	runId     int64
	job       Job
	startTime time.Time
	stopTime  time.Time
	outcome   *Outcome
	err       error
}

func NewRunSummary(runId int64, job Job, startTime, stopTime time.Time, outcome Outcome, err error) RunSummary {
	summary := RunSummary{runId: runId, job: job, startTime: startTime, stopTime: stopTime}
	if err != nil {
		summary.err = err
	} else {
		summary.outcome = &outcome
	}
	return summary
}

func (s RunSummary) RunId() int64 {
	return s.runId
}

func (s RunSummary) Job() Job {
	return s.job
}

func (s RunSummary) JobName() string {
	return s.job.Name()
}

func (s RunSummary) StartTime() time.Time {
	return s.startTime
}

func (s RunSummary) StopTime() time.Time {
	return s.stopTime
}

func (s RunSummary) Duration() time.Duration {
	return s.stopTime.Sub(s.startTime)
}

// Outcome returns the outcome of the run and false if the run failed instead.
func (s RunSummary) Outcome() (Outcome, bool) {
	if s.outcome == nil {
		return 0, false
	}
	return *s.outcome, true
}

func (s RunSummary) Err() error {
	return s.err
}

func (s RunSummary) String() string {
	if s.err != nil {
		return fmt.Sprintf("job=%s run=%d duration=%s error=%v", s.JobName(), s.runId, s.Duration(), s.err)
	}
	return fmt.Sprintf("job=%s run=%d duration=%s outcome=%s", s.JobName(), s.runId, s.Duration(), *s.outcome)
}
