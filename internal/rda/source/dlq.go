package source

import (
	"context"
	"io"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/pkg/errors"

	"github.com/G-Research/rdapipeline/internal/common/logging"
	"github.com/G-Research/rdapipeline/internal/common/metrics"
	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

// MessageErrorStore is the dead letter queue of messages that previously failed.
type MessageErrorStore interface {
	ReadUnresolvedSequenceNumbers(ctx context.Context, claimType model.ClaimType) ([]int64, error)
	UpdateStatus(ctx context.Context, claimType model.ClaimType, sequenceNumber int64, status model.MessageErrorStatus) error
}

// DLQSource replays messages recorded in the dead letter queue. For each unresolved entry it
// re-reads the message with that sequence number from the RDA API and writes it again.
type DLQSource[T any] struct {
	claimType model.ClaimType
	caller    StreamCaller[T]
	adapter   MessageAdapter[T]
	store     MessageErrorStore
	metrics   metrics.Recorder
}

func NewDLQSource[T any](
	claimType model.ClaimType,
	caller StreamCaller[T],
	adapter MessageAdapter[T],
	store MessageErrorStore,
	recorder metrics.Recorder,
) *DLQSource[T] {
	return &DLQSource[T]{
		claimType: claimType,
		caller:    caller,
		adapter:   adapter,
		store:     store,
		metrics:   recorder,
	}
}

func (s *DLQSource[T]) metric(name string) string {
	return s.claimType.String() + "_dlq_" + name
}

// RetrieveAndProcessObjects writes each replayed message as its own batch, so maxPerBatch is not used.
// A message that still cannot be written is logged and left in the queue.
func (s *DLQSource[T]) RetrieveAndProcessObjects(ctx context.Context, _ int, sink processing.Sink[T]) (int, error) {
	logger := ctxlogrus.Extract(ctx).WithField("claimType", s.claimType)
	s.metrics.Increment(s.metric("calls"))

	sequenceNumbers, err := s.store.ReadUnresolvedSequenceNumbers(ctx, s.claimType)
	if err != nil {
		return 0, processing.NewFailure(err, 0)
	}
	if len(sequenceNumbers) == 0 {
		logger.Info("Found no claims in DLQ, skipping")
		return 0, nil
	}
	logger.Infof("Found %d claims in DLQ, attempting to reprocess", len(sequenceNumbers))

	version, err := s.caller.CallVersionService(ctx)
	if err != nil {
		return 0, processing.NewFailure(errors.WithMessage(err, "error calling version service"), 0)
	}

	processed := 0
	for _, sequenceNumber := range sequenceNumbers {
		if err := ctx.Err(); err != nil {
			return processed, processing.NewFailure(err, processed)
		}
		n, err := s.replay(ctx, version, sequenceNumber, sink)
		processed += n
		if err != nil {
			if processing.IsInterrupted(err) || ctx.Err() != nil {
				return processed, processing.NewFailure(err, processed)
			}
			s.metrics.Increment(s.metric("failures"))
			logging.WithStacktrace(logger, err).Errorf("Failed to reprocess message with sequence number %d", sequenceNumber)
		}
	}
	s.metrics.Add(s.metric("objects_stored"), processed)
	return processed, nil
}

func (s *DLQSource[T]) replay(ctx context.Context, version string, sequenceNumber int64, sink processing.Sink[T]) (int, error) {
	stream, err := s.caller.CallService(ctx, sequenceNumber)
	if err != nil {
		return 0, err
	}
	defer stream.Cancel()

	message, err := stream.Next()
	if err == io.EOF || (err == nil && s.adapter.SequenceNumber(message) != sequenceNumber) {
		ctxlogrus.Extract(ctx).Infof("Message with sequence number %d is no longer available, marking obsolete", sequenceNumber)
		return 0, s.store.UpdateStatus(ctx, s.claimType, sequenceNumber, model.Obsolete)
	}
	if err != nil {
		return 0, err
	}
	s.metrics.Increment(s.metric("objects_received"))

	n, err := sink.WriteBatch(ctx, version, []T{message})
	if err != nil {
		return n, err
	}
	if n == 1 {
		if err := s.store.UpdateStatus(ctx, s.claimType, sequenceNumber, model.Resolved); err != nil {
			return n, err
		}
		ctxlogrus.Extract(ctx).Infof("Message with sequence number %d processed successfully, resolved DLQ entry", sequenceNumber)
	}
	return n, nil
}

func (s *DLQSource[T]) SmokeTest(ctx context.Context) error {
	return s.caller.HealthCheck(ctx)
}

func (s *DLQSource[T]) Close() error {
	return s.caller.Close()
}
