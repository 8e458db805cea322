package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/rdapipeline/internal/common/logging"
)

// Manager runs each of its jobs on a dedicated goroutine and collects a RunSummary for every run.
// Manager implements Tracker for its runners.
type Manager struct {
	clock clock.Clock
	jobs  []Job

	// Set to 1 while runners are allowed to begin new runs.
	canRun int32

	sleepCtx    context.Context
	cancelSleep context.CancelFunc
	callCtx     context.Context
	cancelCalls context.CancelFunc

	wg   sync.WaitGroup
	done chan struct{}

	mu        sync.Mutex
	started   bool
	runIds    map[Job]int64
	summaries []RunSummary
	firstErr  error
}

func NewManager(clock clock.Clock, jobs ...Job) *Manager {
	return &Manager{
		clock:  clock,
		jobs:   jobs,
		done:   make(chan struct{}),
		runIds: make(map[Job]int64, len(jobs)),
	}
}

// Start launches one runner per job. It may only be called once.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	atomic.StoreInt32(&m.canRun, 1)
	m.sleepCtx, m.cancelSleep = context.WithCancel(context.Background())
	m.callCtx, m.cancelCalls = context.WithCancel(context.Background())

	sleeper := NewSleeper(m.sleepCtx, m.clock)
	for _, job := range m.jobs {
		ctx := context.Background()
		if job.Interruptible() {
			ctx = m.callCtx
		}
		runner := NewRunner(m, job, sleeper, m.clock)
		m.wg.Add(1)
		go func(ctx context.Context) {
			defer m.wg.Done()
			runner.Run(ctx)
		}(ctx)
	}
	go func() {
		m.wg.Wait()
		m.cancelSleep()
		m.cancelCalls()
		close(m.done)
	}()
	log.Infof("Started %d jobs", len(m.jobs))
}

// Stop prevents further runs from starting, cancels any in-flight call of an interruptible job
// and wakes sleeping runners. It does not wait for the runners to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		m.started = true
		close(m.done)
		return
	}
	if atomic.SwapInt32(&m.canRun, 0) == 0 {
		return
	}
	log.Info("Stopping jobs")
	m.cancelCalls()
	m.cancelSleep()
}

// AwaitCompletion blocks until every runner has stopped.
func (m *Manager) AwaitCompletion() {
	<-m.done
}

// AwaitCompletionWithTimeout returns true if the runners did not all stop within timeout.
func (m *Manager) AwaitCompletionWithTimeout(timeout time.Duration) bool {
	select {
	case <-m.done:
		return false
	case <-m.clock.After(timeout):
		return true
	}
}

func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Summaries returns a copy of every summary recorded so far.
func (m *Manager) Summaries() []RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]RunSummary, len(m.summaries))
	copy(result, m.summaries)
	return result
}

// Err returns the first error captured by any job run.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstErr
}

func (m *Manager) JobsCanRun() bool {
	return atomic.LoadInt32(&m.canRun) == 1
}

func (m *Manager) BeginningRun(job Job) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runIds[job]++
	runId := m.runIds[job]
	log.WithField("job", job.Name()).Debugf("Beginning run %d", runId)
	return runId
}

func (m *Manager) CompletedRun(summary RunSummary) {
	m.mu.Lock()
	m.summaries = append(m.summaries, summary)
	if summary.err != nil && m.firstErr == nil {
		m.firstErr = summary.err
	}
	m.mu.Unlock()

	logger := log.WithField("job", summary.JobName())
	if summary.err != nil {
		logging.WithStacktrace(logger, summary.err).Errorf("Run %d failed after %s", summary.runId, summary.Duration())
	} else {
		logger.Infof("Run %d finished in %s with outcome %s", summary.runId, summary.Duration(), *summary.outcome)
	}
}

func (m *Manager) Sleeping(job Job) {
	log.WithField("job", job.Name()).Debugf("Sleeping for %s", job.Schedule().Interval)
}

func (m *Manager) StoppingNormally(job Job) {
	log.WithField("job", job.Name()).Info("Stopping normally")
}

func (m *Manager) StoppingDueToInterrupt(job Job) {
	log.WithField("job", job.Name()).Info("Stopping due to interrupt")
}

func (m *Manager) StoppingDueToError(job Job, err error) {
	log.WithField("job", job.Name()).WithError(err).Error("Stopping due to error")
}

func (m *Manager) Stopped(job Job) {
	log.WithField("job", job.Name()).Info("Stopped")
}
