package loadjob

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/G-Research/rdapipeline/internal/common/logging"
	"github.com/G-Research/rdapipeline/internal/common/metrics"
	"github.com/G-Research/rdapipeline/internal/common/util"
	"github.com/G-Research/rdapipeline/internal/pipeline/jobs"
	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
)

// DLQBatchSize bounds the batches of the dead letter replay so each entry is resolved on its own.
const DLQBatchSize = 1

// Cleanup is run before any messages are loaded.
type Cleanup interface {
	Run(ctx context.Context) (int, error)
}

// PairFactory opens a source together with the sink it writes to. Both are closed by the caller.
type PairFactory[T any] func(ctx context.Context) (processing.Source[T], processing.Sink[T], error)

type Config struct {
	Name        string
	RunInterval time.Duration
	BatchSize   int
}

// Job loads messages of type T from the RDA API. A call first runs the cleanup, then replays the
// dead letter queue if a pre-task is configured, then streams new messages. Only one call runs at
// a time; overlapping calls return immediately with nothing done.
type Job[T any] struct {
	config  Config
	cleanup Cleanup
	preTask PairFactory[T]
	main    PairFactory[T]
	clock   clock.PassiveClock
	metrics metrics.Recorder
	running *semaphore.Weighted
}

// New creates a load job. cleanup and preTask may be nil.
func New[T any](
	config Config,
	cleanup Cleanup,
	preTask PairFactory[T],
	main PairFactory[T],
	clock clock.PassiveClock,
	recorder metrics.Recorder,
) *Job[T] {
	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	return &Job[T]{
		config:  config,
		cleanup: cleanup,
		preTask: preTask,
		main:    main,
		clock:   clock,
		metrics: recorder,
		running: semaphore.NewWeighted(1),
	}
}

func (j *Job[T]) Name() string {
	return j.config.Name
}

func (j *Job[T]) Schedule() *jobs.Schedule {
	return &jobs.Schedule{Interval: j.config.RunInterval}
}

func (j *Job[T]) Interruptible() bool {
	return true
}

func (j *Job[T]) metric(name string) string {
	return j.config.Name + "_" + name
}

func (j *Job[T]) Call(ctx context.Context) (jobs.Outcome, error) {
	logger := log.WithField("job", j.config.Name)
	if !j.running.TryAcquire(1) {
		logger.Debug("Previous call still running, skipping")
		return jobs.NothingToDo, nil
	}
	defer j.running.Release(1)

	ctx = ctxlogrus.ToContext(ctx, logger)
	start := j.clock.Now()
	j.metrics.Increment(j.metric("calls"))

	if j.cleanup != nil {
		removed, err := j.cleanup.Run(ctx)
		if err != nil {
			j.metrics.Increment(j.metric("failures"))
			return jobs.NothingToDo, processing.NewFailure(err, 0)
		}
		if removed > 0 {
			logger.Infof("Cleanup removed %d claims", removed)
		}
	}

	var failure error
	preTaskCount := 0
	if j.preTask != nil {
		preTaskCount, failure = j.runPair(ctx, j.preTask, DLQBatchSize)
	}
	mainCount := 0
	if failure == nil {
		mainCount, failure = j.runPair(ctx, j.main, j.config.BatchSize)
	}

	processed := preTaskCount + mainCount
	elapsed := j.clock.Since(start)
	j.metrics.Add(j.metric("processed"), processed)
	j.metrics.ObserveDuration(j.metric("call"), elapsed)
	logger = logger.WithFields(log.Fields{"dlq": preTaskCount, "main": mainCount})

	if failure != nil {
		j.metrics.Increment(j.metric("failures"))
		logging.WithStacktrace(logger, failure).Errorf("processed %d objects in %d ms before failing", processed, elapsed.Milliseconds())
		return jobs.NothingToDo, processing.NewFailure(failure, processed)
	}

	j.metrics.Increment(j.metric("successes"))
	logger.Infof("processed %d objects in %d ms", processed, elapsed.Milliseconds())
	if processed == 0 {
		return jobs.NothingToDo, nil
	}
	return jobs.WorkDone, nil
}

// runPair streams from a freshly opened source into its sink and closes both. The count is the
// number of objects confirmed written, even when an error is returned.
func (j *Job[T]) runPair(ctx context.Context, open PairFactory[T], batchSize int) (processed int, err error) {
	source, sink, err := open(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = closePair(err, sink, source)
	}()

	processed, err = source.RetrieveAndProcessObjects(ctx, batchSize, sink)
	if err != nil {
		processed = processing.CountOf(err)
	}
	return processed, err
}

// SmokeTest checks the source's connectivity. It does not take part in single flight so it can
// run while a call is in progress.
func (j *Job[T]) SmokeTest(ctx context.Context) (err error) {
	source, sink, err := j.main(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = closePair(err, sink, source)
	}()
	return source.SmokeTest(ctx)
}

func closePair[T any](err error, sink processing.Sink[T], source processing.Source[T]) error {
	closeErr := util.CloseAll(sink, source)
	if closeErr == nil {
		return err
	}
	if err == nil {
		return closeErr
	}
	return multierror.Append(err, closeErr)
}
