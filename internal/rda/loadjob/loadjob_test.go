package loadjob

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/rdapipeline/internal/common/metrics"
	"github.com/G-Research/rdapipeline/internal/pipeline/jobs"
	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
)

type fakeSource struct {
	processed int
	err       error
	closeErr  error
	smokeErr  error
	started   chan struct{}
	release   chan struct{}
	batchSize int
	closed    bool
	panicWith interface{}
}

func (s *fakeSource) RetrieveAndProcessObjects(ctx context.Context, maxPerBatch int, _ processing.Sink[string]) (int, error) {
	s.batchSize = maxPerBatch
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	if s.started != nil {
		close(s.started)
		<-s.release
	}
	if s.err != nil {
		return processing.CountOf(s.err), s.err
	}
	return s.processed, nil
}

func (s *fakeSource) SmokeTest(context.Context) error { return s.smokeErr }

func (s *fakeSource) Close() error {
	s.closed = true
	return s.closeErr
}

type fakeSink struct {
	closed bool
}

func (s *fakeSink) WriteObject(context.Context, string, string) (int, error) { return 1, nil }

func (s *fakeSink) WriteBatch(_ context.Context, _ string, objects []string) (int, error) {
	return len(objects), nil
}

func (s *fakeSink) Close() error {
	s.closed = true
	return nil
}

type pair struct {
	mu      sync.Mutex
	source  *fakeSource
	sink    *fakeSink
	opened  int
	openErr error
}

func (p *pair) open(context.Context) (processing.Source[string], processing.Sink[string], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened++
	if p.openErr != nil {
		return nil, nil, p.openErr
	}
	return p.source, p.sink, nil
}

func (p *pair) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func newPair(source *fakeSource) *pair {
	return &pair{source: source, sink: &fakeSink{}}
}

type fakeCleanup struct {
	removed int
	err     error
	calls   int
}

func (c *fakeCleanup) Run(context.Context) (int, error) {
	c.calls++
	return c.removed, c.err
}

func newJob(cleanup Cleanup, preTask *pair, main *pair) (*Job[string], *metrics.RecordingRecorder) {
	recorder := metrics.NewRecordingRecorder()
	var preTaskFactory PairFactory[string]
	if preTask != nil {
		preTaskFactory = preTask.open
	}
	job := New[string](
		Config{Name: "fiss_load", RunInterval: time.Minute, BatchSize: 50},
		cleanup,
		preTaskFactory,
		main.open,
		clock.NewFakeClock(time.Now()),
		recorder,
	)
	return job, recorder
}

func TestCall_Outcomes(t *testing.T) {
	tests := map[string]struct {
		preTask   int
		main      int
		expected  jobs.Outcome
		processed int
	}{
		"nothing loaded":  {expected: jobs.NothingToDo},
		"main loaded":     {main: 7, expected: jobs.WorkDone, processed: 7},
		"dlq and main":    {preTask: 2, main: 3, expected: jobs.WorkDone, processed: 5},
		"only dlq loaded": {preTask: 2, expected: jobs.WorkDone, processed: 2},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			preTask := newPair(&fakeSource{processed: tc.preTask})
			main := newPair(&fakeSource{processed: tc.main})
			job, recorder := newJob(&fakeCleanup{}, preTask, main)

			outcome, err := job.Call(context.Background())

			require.NoError(t, err)
			assert.Equal(t, tc.expected, outcome)
			assert.Equal(t, DLQBatchSize, preTask.source.batchSize)
			assert.Equal(t, 50, main.source.batchSize)
			assert.True(t, preTask.source.closed && preTask.sink.closed)
			assert.True(t, main.source.closed && main.sink.closed)
			assert.Equal(t, 1, recorder.Value("fiss_load_calls"))
			assert.Equal(t, 1, recorder.Value("fiss_load_successes"))
			assert.Equal(t, 0, recorder.Value("fiss_load_failures"))
			assert.Equal(t, tc.processed, recorder.Value("fiss_load_processed"))
			assert.Equal(t, 1, recorder.Observations("fiss_load_call"))
		})
	}
}

func TestCall_SingleFlight(t *testing.T) {
	blocking := &fakeSource{processed: 1, started: make(chan struct{}), release: make(chan struct{})}
	main := newPair(blocking)
	job, recorder := newJob(nil, nil, main)

	done := make(chan jobs.Outcome)
	go func() {
		outcome, err := job.Call(context.Background())
		assert.NoError(t, err)
		done <- outcome
	}()
	<-blocking.started

	for i := 0; i < 3; i++ {
		outcome, err := job.Call(context.Background())
		require.NoError(t, err)
		assert.Equal(t, jobs.NothingToDo, outcome)
	}
	assert.Equal(t, 1, main.openCount())

	close(blocking.release)
	assert.Equal(t, jobs.WorkDone, <-done)
	assert.Equal(t, 1, recorder.Value("fiss_load_calls"))

	// the lock is released once the call finishes
	main.source = &fakeSource{}
	outcome, err := job.Call(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.NothingToDo, outcome)
	assert.Equal(t, 2, main.openCount())
}

func TestCall_CleanupFailureAbortsCall(t *testing.T) {
	preTask := newPair(&fakeSource{})
	main := newPair(&fakeSource{})
	cleanup := &fakeCleanup{err: errors.New("cleanup failed")}
	job, recorder := newJob(cleanup, preTask, main)

	_, err := job.Call(context.Background())

	var failure *processing.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 0, failure.ProcessedCount())
	assert.EqualError(t, failure.RootCause(), "cleanup failed")
	assert.Equal(t, 0, preTask.openCount())
	assert.Equal(t, 0, main.openCount())
	assert.Equal(t, 1, recorder.Value("fiss_load_failures"))
}

func TestCall_MainFailureKeepsPartialCount(t *testing.T) {
	preTask := newPair(&fakeSource{processed: 2})
	main := newPair(&fakeSource{err: processing.NewFailure(errors.New("write failed"), 3)})
	job, recorder := newJob(&fakeCleanup{removed: 4}, preTask, main)

	_, err := job.Call(context.Background())

	require.Error(t, err)
	assert.Equal(t, 5, processing.CountOf(err))
	assert.False(t, processing.IsInterrupted(err))
	assert.True(t, main.source.closed && main.sink.closed)
	assert.Equal(t, 5, recorder.Value("fiss_load_processed"))
	assert.Equal(t, 1, recorder.Value("fiss_load_failures"))
	assert.Equal(t, 0, recorder.Value("fiss_load_successes"))
}

func TestCall_PreTaskFailureSkipsMain(t *testing.T) {
	preTask := newPair(&fakeSource{err: processing.NewFailure(errors.New("replay failed"), 1)})
	main := newPair(&fakeSource{processed: 10})
	job, _ := newJob(nil, preTask, main)

	_, err := job.Call(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, processing.CountOf(err))
	assert.Equal(t, 0, main.openCount())
	assert.True(t, preTask.source.closed && preTask.sink.closed)
}

func TestCall_PlainErrorHasNoCount(t *testing.T) {
	main := newPair(&fakeSource{err: errors.New("boom")})
	job, _ := newJob(nil, nil, main)

	_, err := job.Call(context.Background())

	require.Error(t, err)
	assert.Equal(t, 0, processing.CountOf(err))
}

func TestCall_OpenFailure(t *testing.T) {
	main := &pair{openErr: errors.New("no connection")}
	job, _ := newJob(nil, nil, main)

	_, err := job.Call(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connection")
}

func TestCall_CloseFailureIsReported(t *testing.T) {
	tests := map[string]struct {
		loadErr error
		count   int
	}{
		"after success": {count: 4},
		"after failure": {loadErr: processing.NewFailure(errors.New("write failed"), 2), count: 2},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			main := newPair(&fakeSource{processed: 4, err: tc.loadErr, closeErr: errors.New("close failed")})
			job, _ := newJob(nil, nil, main)

			_, err := job.Call(context.Background())

			require.Error(t, err)
			assert.Contains(t, err.Error(), "close failed")
			if tc.loadErr != nil {
				assert.Contains(t, err.Error(), "write failed")
			}
			assert.Equal(t, tc.count, processing.CountOf(err))
			assert.True(t, main.sink.closed)
		})
	}
}

func TestCall_PanicClosesPairAndReleasesLock(t *testing.T) {
	main := newPair(&fakeSource{panicWith: "stream broke"})
	job, _ := newJob(nil, nil, main)

	assert.PanicsWithValue(t, "stream broke", func() {
		_, _ = job.Call(context.Background())
	})
	assert.True(t, main.source.closed)
	assert.True(t, main.sink.closed)

	main.source = &fakeSource{processed: 1}
	outcome, err := job.Call(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.WorkDone, outcome)
	assert.Equal(t, 2, main.openCount())
}

func TestCall_Interrupted(t *testing.T) {
	main := newPair(&fakeSource{err: processing.NewFailure(context.Canceled, 6)})
	job, _ := newJob(nil, nil, main)

	_, err := job.Call(context.Background())

	assert.True(t, processing.IsInterrupted(err))
	assert.Equal(t, 6, processing.CountOf(err))
	assert.True(t, main.source.closed && main.sink.closed)
}

func TestSmokeTest(t *testing.T) {
	tests := map[string]struct {
		smokeErr error
	}{
		"healthy":   {},
		"unhealthy": {smokeErr: errors.New("unreachable")},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			main := newPair(&fakeSource{smokeErr: tc.smokeErr})
			job, _ := newJob(nil, nil, main)

			err := job.SmokeTest(context.Background())

			if tc.smokeErr != nil {
				assert.ErrorIs(t, err, tc.smokeErr)
			} else {
				assert.NoError(t, err)
			}
			assert.True(t, main.source.closed && main.sink.closed)
		})
	}
}

func TestScheduleAndInterruptible(t *testing.T) {
	job, _ := newJob(nil, nil, newPair(&fakeSource{}))

	assert.Equal(t, "fiss_load", job.Name())
	require.NotNil(t, job.Schedule())
	assert.Equal(t, time.Minute, job.Schedule().Interval)
	assert.True(t, job.Interruptible())
}
