package source

import (
	"context"
	"io"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/rdapipeline/internal/common/metrics"
	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

// StandardSource streams every message after the last one already stored and passes them
// to a sink in deduplicated batches.
type StandardSource[T any] struct {
	claimType              model.ClaimType
	caller                 StreamCaller[T]
	adapter                MessageAdapter[T]
	versions               model.VersionRange
	startingSequenceNumber *int64
	minIdleBeforeDrop      time.Duration
	clock                  clock.PassiveClock
	metrics                metrics.Recorder
}

type StandardSourceConfig struct {
	ClaimType model.ClaimType
	Versions  model.VersionRange
	// When set, overrides the sequence number read from the sink
	StartingSequenceNumber      *int64
	MinIdleBeforeConnectionDrop time.Duration
}

func NewStandardSource[T any](
	config StandardSourceConfig,
	caller StreamCaller[T],
	adapter MessageAdapter[T],
	clock clock.PassiveClock,
	recorder metrics.Recorder,
) *StandardSource[T] {
	return &StandardSource[T]{
		claimType:              config.ClaimType,
		caller:                 caller,
		adapter:                adapter,
		versions:               config.Versions,
		startingSequenceNumber: config.StartingSequenceNumber,
		minIdleBeforeDrop:      config.MinIdleBeforeConnectionDrop,
		clock:                  clock,
		metrics:                recorder,
	}
}

func (s *StandardSource[T]) metric(name string) string {
	return s.claimType.String() + "_source_" + name
}

func (s *StandardSource[T]) RetrieveAndProcessObjects(ctx context.Context, maxPerBatch int, sink processing.Sink[T]) (int, error) {
	logger := ctxlogrus.Extract(ctx)
	s.metrics.Increment(s.metric("calls"))

	version, err := s.caller.CallVersionService(ctx)
	if err != nil {
		return 0, processing.NewFailure(errors.WithMessage(err, "error calling version service"), 0)
	}
	if !s.versions.Allows(version) {
		s.metrics.Increment(s.metric("version_rejected"))
		return 0, processing.NewFatalFailure(
			errors.Errorf("RDA API version %s is not in the accepted range %s", version, s.versions))
	}

	since, err := s.startingPoint(ctx, sink)
	if err != nil {
		return 0, processing.NewFailure(err, 0)
	}
	logger.Infof("Calling RDA API version %s for claims starting at sequence number %d", version, since)

	stream, err := s.caller.CallService(ctx, since)
	if err != nil {
		return 0, processing.NewFailure(errors.WithMessage(err, "error opening claim stream"), 0)
	}
	defer stream.Cancel()

	processed := 0
	pending := newBatch[T]()
	lastReceived := s.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return processed, processing.NewFailure(err, processed)
		}
		message, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil || processing.IsInterrupted(err) {
				return processed, processing.NewFailure(errors.WithMessage(err, "stream interrupted"), processed)
			}
			if IsDroppedConnection(err) {
				idle := s.clock.Since(lastReceived)
				if idle >= s.minIdleBeforeDrop {
					s.metrics.Increment(s.metric("dropped_connections"))
					logger.Infof("RDA API server dropped connection after %s idle: %v", idle, err)
					break
				}
				return s.flushAfterDrop(ctx, version, pending, sink, processed, err)
			}
			return processed, processing.NewFailure(errors.WithStack(err), processed)
		}

		lastReceived = s.clock.Now()
		s.metrics.Increment(s.metric("objects_received"))
		pending.put(s.adapter.DedupKey(message), message)
		if pending.len() >= maxPerBatch {
			n, err := s.flush(ctx, version, pending, sink)
			processed += n
			if err != nil {
				return processed, processing.NewFailure(err, processed)
			}
		}
	}

	if pending.len() > 0 {
		n, err := s.flush(ctx, version, pending, sink)
		processed += n
		if err != nil {
			return processed, processing.NewFailure(err, processed)
		}
	}
	s.metrics.Increment(s.metric("successes"))
	return processed, nil
}

func (s *StandardSource[T]) flush(ctx context.Context, version string, pending *batch[T], sink processing.Sink[T]) (int, error) {
	messages := pending.messages()
	pending.reset()
	s.metrics.Increment(s.metric("batches"))
	n, err := sink.WriteBatch(ctx, version, messages)
	s.metrics.Add(s.metric("objects_stored"), n)
	return n, err
}

// flushAfterDrop writes the messages received before an unexpected drop and then reports the drop.
func (s *StandardSource[T]) flushAfterDrop(
	ctx context.Context,
	version string,
	pending *batch[T],
	sink processing.Sink[T],
	processed int,
	dropErr error,
) (int, error) {
	err := errors.WithMessage(dropErr, "RDA API server dropped connection unexpectedly")
	if pending.len() > 0 {
		n, flushErr := s.flush(ctx, version, pending, sink)
		processed += n
		if flushErr != nil {
			err = multierror.Append(err, flushErr)
		}
	}
	return processed, processing.NewFailure(err, processed)
}

// startingPoint is one before the configured starting sequence number, or else the
// highest sequence number the sink has stored.
func (s *StandardSource[T]) startingPoint(ctx context.Context, sink processing.Sink[T]) (int64, error) {
	if s.startingSequenceNumber != nil {
		since := *s.startingSequenceNumber - 1
		if since < 0 {
			since = 0
		}
		return since, nil
	}
	reader, ok := sink.(SequenceNumberReader)
	if !ok {
		return 0, nil
	}
	since, found, err := reader.ReadMaxExistingSequenceNumber(ctx)
	if err != nil {
		return 0, errors.WithMessage(err, "error reading last stored sequence number")
	}
	if !found {
		return 0, nil
	}
	return since, nil
}

func (s *StandardSource[T]) SmokeTest(ctx context.Context) error {
	return s.caller.HealthCheck(ctx)
}

func (s *StandardSource[T]) Close() error {
	return s.caller.Close()
}
