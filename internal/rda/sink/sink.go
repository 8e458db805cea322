package sink

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/rdapipeline/internal/common/metrics"
	"github.com/G-Research/rdapipeline/internal/common/util"
	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/configuration"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

// Transformer converts upstream messages of type T into claim changes.
type Transformer[T any] interface {
	SequenceNumber(message T) int64
	DedupKey(message T) string
	Transform(apiVersion string, message T) (processing.Change[model.Claim], error)
	// MessageJSON renders the message for the dead letter queue.
	MessageJSON(message T) ([]byte, error)
}

// ClaimWriter persists claim changes.
type ClaimWriter interface {
	// WriteClaims applies every change in a single transaction and, if progress is not nil,
	// records it as the last sequence number processed in the same transaction.
	// It returns the number of changes applied.
	WriteClaims(ctx context.Context, claimType model.ClaimType, changes []processing.Change[model.Claim], progress *int64) (int, error)
	UpdateLastSequenceNumber(ctx context.Context, claimType model.ClaimType, sequenceNumber int64) error
	ReadMaxExistingSequenceNumber(ctx context.Context, claimType model.ClaimType) (int64, bool, error)
}

type MessageErrorWriter interface {
	RecordError(ctx context.Context, messageError model.MessageError) error
}

type MbiLookup interface {
	Lookup(ctx context.Context, mbi string) (Mbi, error)
}

type ClaimSinkConfig struct {
	ClaimType        model.ClaimType
	Mode             configuration.SinkMode
	WriteConcurrency int
	// Number of untransformable messages tolerated before writes fail
	ErrorLimit int
	// RecordProgress stores the last sequence number written. Dead letter replays leave it unset.
	RecordProgress bool
}

// ClaimSink writes RDA messages of type T as claims.
type ClaimSink[T any] struct {
	config      ClaimSinkConfig
	transformer Transformer[T]
	writer      ClaimWriter
	errorWriter MessageErrorWriter
	mbis        MbiLookup
	metrics     metrics.Recorder

	mu         sync.Mutex
	errorCount int
}

func NewClaimSink[T any](
	config ClaimSinkConfig,
	transformer Transformer[T],
	writer ClaimWriter,
	errorWriter MessageErrorWriter,
	mbis MbiLookup,
	recorder metrics.Recorder,
) *ClaimSink[T] {
	if config.WriteConcurrency < 1 {
		config.WriteConcurrency = 1
	}
	if config.Mode == "" {
		config.Mode = configuration.SinkModeDirect
	}
	return &ClaimSink[T]{
		config:      config,
		transformer: transformer,
		writer:      writer,
		errorWriter: errorWriter,
		mbis:        mbis,
		metrics:     recorder,
	}
}

func (s *ClaimSink[T]) metric(name string) string {
	return s.config.ClaimType.String() + "_sink_" + name
}

func (s *ClaimSink[T]) WriteObject(ctx context.Context, apiVersion string, message T) (int, error) {
	return s.writeTransaction(ctx, apiVersion, []T{message}, s.config.RecordProgress)
}

// WriteBatch writes messages according to the configured mode.
func (s *ClaimSink[T]) WriteBatch(ctx context.Context, apiVersion string, messages []T) (int, error) {
	switch s.config.Mode {
	case configuration.SinkModeBatch:
		return s.writeTransaction(ctx, apiVersion, messages, s.config.RecordProgress)
	case configuration.SinkModeConcurrent:
		return s.writeConcurrently(ctx, apiVersion, messages)
	default:
		return s.writeEach(ctx, apiVersion, messages)
	}
}

// writeEach commits each message separately so a failure reports exactly the messages committed
// before it. Progress never moves past a message that has not been committed.
func (s *ClaimSink[T]) writeEach(ctx context.Context, apiVersion string, messages []T) (int, error) {
	total := 0
	for i, message := range messages {
		err := ctx.Err()
		if err == nil {
			var n int
			n, err = s.writeTransaction(ctx, apiVersion, []T{message}, false)
			total += n
		}
		if err != nil {
			if progress, ok := s.committedProgress(messages[:i], messages[i:]); ok {
				if err := s.updateProgress(ctx, progress); err != nil {
					ctxlogrus.Extract(ctx).WithError(err).Warn("Failed to record progress of partially written batch")
				}
			}
			return total, processing.NewFailure(err, total)
		}
	}
	if len(messages) > 0 {
		if err := s.updateProgress(ctx, s.maxSequenceNumber(messages)); err != nil {
			return total, processing.NewFailure(err, total)
		}
	}
	return total, nil
}

// committedProgress returns the highest sequence number in done that is lower than every
// sequence number still pending.
func (s *ClaimSink[T]) committedProgress(done []T, pending []T) (int64, bool) {
	lowestPending := s.transformer.SequenceNumber(pending[0])
	for _, message := range pending[1:] {
		if seq := s.transformer.SequenceNumber(message); seq < lowestPending {
			lowestPending = seq
		}
	}
	var progress int64
	found := false
	for _, message := range done {
		seq := s.transformer.SequenceNumber(message)
		if seq < lowestPending && (!found || seq > progress) {
			progress = seq
			found = true
		}
	}
	return progress, found
}

func (s *ClaimSink[T]) maxSequenceNumber(messages []T) int64 {
	var highest int64
	for _, message := range messages {
		if seq := s.transformer.SequenceNumber(message); seq > highest {
			highest = seq
		}
	}
	return highest
}

func (s *ClaimSink[T]) updateProgress(ctx context.Context, sequenceNumber int64) error {
	if !s.config.RecordProgress {
		return nil
	}
	return s.writer.UpdateLastSequenceNumber(ctx, s.config.ClaimType, sequenceNumber)
}

func (s *ClaimSink[T]) writeTransaction(ctx context.Context, apiVersion string, messages []T, recordProgress bool) (int, error) {
	changes, lastSequenceNumber, err := s.transform(ctx, apiVersion, messages)
	if err != nil {
		return 0, processing.NewFailure(err, 0)
	}
	var progress *int64
	if recordProgress {
		progress = &lastSequenceNumber
	}
	n, err := s.writer.WriteClaims(ctx, s.config.ClaimType, changes, progress)
	if err != nil {
		s.metrics.Add(s.metric("objects_failed"), len(changes))
		return 0, processing.NewFailure(err, 0)
	}
	s.metrics.Add(s.metric("objects_written"), n)
	return n, nil
}

// writeConcurrently splits the batch by claim id so that all changes to one claim are applied in
// order by the same transaction. Progress is only recorded once every shard has committed.
func (s *ClaimSink[T]) writeConcurrently(ctx context.Context, apiVersion string, messages []T) (int, error) {
	changes, lastSequenceNumber, err := s.transform(ctx, apiVersion, messages)
	if err != nil {
		return 0, processing.NewFailure(err, 0)
	}

	shards := util.PartitionBy(changes, s.config.WriteConcurrency, func(c processing.Change[model.Claim]) uint32 {
		h := fnv.New32a()
		_, _ = h.Write([]byte(c.Object.ClaimID))
		return h.Sum32()
	})

	var mu sync.Mutex
	committed := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		shard := shard
		g.Go(func() error {
			n, err := s.writer.WriteClaims(gctx, s.config.ClaimType, shard, nil)
			if err != nil {
				s.metrics.Add(s.metric("objects_failed"), len(shard))
				return err
			}
			mu.Lock()
			committed += n
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	s.metrics.Add(s.metric("objects_written"), committed)
	if err != nil {
		return committed, processing.NewFailure(err, committed)
	}
	if err := s.updateProgress(ctx, lastSequenceNumber); err != nil {
		return committed, processing.NewFailure(err, committed)
	}
	return committed, nil
}

// transform converts messages into changes, recording untransformable messages in the
// dead letter queue until the error limit is exceeded.
func (s *ClaimSink[T]) transform(ctx context.Context, apiVersion string, messages []T) ([]processing.Change[model.Claim], int64, error) {
	changes := make([]processing.Change[model.Claim], 0, len(messages))
	var lastSequenceNumber int64
	for _, message := range messages {
		sequenceNumber := s.transformer.SequenceNumber(message)
		if sequenceNumber > lastSequenceNumber {
			lastSequenceNumber = sequenceNumber
		}

		change, err := s.transformer.Transform(apiVersion, message)
		if err != nil {
			if err := s.recordTransformError(ctx, apiVersion, message, err); err != nil {
				return nil, 0, err
			}
			continue
		}

		if change.Object.Mbi != "" && s.mbis != nil {
			mbi, err := s.mbis.Lookup(ctx, change.Object.Mbi)
			if err != nil {
				return nil, 0, errors.WithMessagef(err, "error looking up mbi for claim %s", change.Object.ClaimID)
			}
			change.Object.MbiID = mbi.ID
		}
		changes = append(changes, change)
	}
	return changes, lastSequenceNumber, nil
}

func (s *ClaimSink[T]) recordTransformError(ctx context.Context, apiVersion string, message T, cause error) error {
	s.metrics.Increment(s.metric("transform_errors"))
	sequenceNumber := s.transformer.SequenceNumber(message)
	ctxlogrus.Extract(ctx).WithError(cause).Warnf("Failed to transform message with sequence number %d", sequenceNumber)

	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	s.mu.Unlock()

	payload, err := s.transformer.MessageJSON(message)
	if err != nil {
		return errors.WithMessage(err, "error rendering message for dead letter queue")
	}
	err = s.errorWriter.RecordError(ctx, model.MessageError{
		ClaimType:      s.config.ClaimType,
		SequenceNumber: sequenceNumber,
		ClaimID:        s.transformer.DedupKey(message),
		ApiSource:      apiVersion,
		Errors:         cause.Error(),
		Message:        payload,
		Status:         model.Unresolved,
	})
	if err != nil {
		return errors.WithMessage(err, "error recording message error")
	}
	if count > s.config.ErrorLimit {
		return errors.Wrapf(cause, "transform error limit of %d exceeded", s.config.ErrorLimit)
	}
	return nil
}

func (s *ClaimSink[T]) ReadMaxExistingSequenceNumber(ctx context.Context) (int64, bool, error) {
	return s.writer.ReadMaxExistingSequenceNumber(ctx, s.config.ClaimType)
}

func (s *ClaimSink[T]) Close() error {
	return nil
}
