package cleanup

import (
	"context"

	"github.com/G-Research/rdapipeline/internal/pipeline/jobs"
)

type oneShot struct {
	cleanup *Job
}

// AsJob wraps a single cleanup pass as an interruptible, unscheduled jobs.Job.
func (j *Job) AsJob() jobs.Job {
	return &oneShot{cleanup: j}
}

func (o *oneShot) Name() string {
	return o.cleanup.Name()
}

func (o *oneShot) Schedule() *jobs.Schedule {
	return nil
}

func (o *oneShot) Interruptible() bool {
	return true
}

func (o *oneShot) Call(ctx context.Context) (jobs.Outcome, error) {
	deleted, err := o.cleanup.Run(ctx)
	if err != nil {
		return jobs.NothingToDo, err
	}
	if deleted == 0 {
		return jobs.NothingToDo, nil
	}
	return jobs.WorkDone, nil
}

func (o *oneShot) SmokeTest(ctx context.Context) error {
	session, err := o.cleanup.sessions(ctx)
	if err != nil {
		return err
	}
	return session.Close()
}
