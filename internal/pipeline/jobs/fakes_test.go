package jobs

import (
	"context"
	"sync"
	"time"
)

type fakeJob struct {
	name          string
	schedule      *Schedule
	interruptible bool
	call          func(ctx context.Context) (Outcome, error)

	mu    sync.Mutex
	calls int
}

func (j *fakeJob) Name() string                   { return j.name }
func (j *fakeJob) Schedule() *Schedule            { return j.schedule }
func (j *fakeJob) Interruptible() bool            { return j.interruptible }
func (j *fakeJob) SmokeTest(context.Context) error { return nil }

func (j *fakeJob) Call(ctx context.Context) (Outcome, error) {
	j.mu.Lock()
	j.calls++
	j.mu.Unlock()
	return j.call(ctx)
}

func (j *fakeJob) callCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.calls
}

// recordingTracker grants permission from a scripted list and records every notification.
type recordingTracker struct {
	permissions []bool
	permChecks  int
	nextRunId   int64
	summaries   []RunSummary
	events      []string
	stopErr     error
}

func (t *recordingTracker) JobsCanRun() bool {
	t.permChecks++
	if len(t.permissions) == 0 {
		return true
	}
	allowed := t.permissions[0]
	if len(t.permissions) > 1 {
		t.permissions = t.permissions[1:]
	}
	return allowed
}

func (t *recordingTracker) BeginningRun(Job) int64 {
	t.nextRunId++
	t.events = append(t.events, "beginning")
	return t.nextRunId
}

func (t *recordingTracker) CompletedRun(summary RunSummary) {
	t.summaries = append(t.summaries, summary)
	t.events = append(t.events, "completed")
}

func (t *recordingTracker) Sleeping(Job) {
	t.events = append(t.events, "sleeping")
}

func (t *recordingTracker) StoppingNormally(Job) {
	t.events = append(t.events, "stoppingNormally")
}

func (t *recordingTracker) StoppingDueToInterrupt(Job) {
	t.events = append(t.events, "stoppingDueToInterrupt")
}

func (t *recordingTracker) StoppingDueToError(_ Job, err error) {
	t.stopErr = err
	t.events = append(t.events, "stoppingDueToError")
}

func (t *recordingTracker) Stopped(Job) {
	t.events = append(t.events, "stopped")
}

// tickingClock advances by one millisecond every time it is read.
type tickingClock struct {
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *tickingClock) Since(ts time.Time) time.Duration {
	return c.Now().Sub(ts)
}

type recordingSleeper struct {
	durations []time.Duration
	errs      []error
}

func (s *recordingSleeper) sleep(d time.Duration) error {
	s.durations = append(s.durations, d)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}
