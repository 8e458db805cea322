package source

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ResponseStream yields messages until it returns io.EOF.
type ResponseStream[T any] interface {
	Next() (T, error)
	// Cancel tells the server the client is no longer interested in the stream.
	Cancel()
}

// StreamCaller makes the calls to the RDA API needed by a source.
type StreamCaller[T any] interface {
	CallVersionService(ctx context.Context) (string, error)
	// CallService opens a stream of messages starting at the given sequence number.
	CallService(ctx context.Context, startingSequenceNumber int64) (ResponseStream[T], error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// MessageAdapter extracts the only two facts a source needs to know about a message.
type MessageAdapter[T any] interface {
	SequenceNumber(message T) int64
	// DedupKey identifies the claim the message changes. Within a batch a later message
	// for the same claim replaces an earlier one.
	DedupKey(message T) string
}

// SequenceNumberReader is implemented by sinks that know the highest sequence number already stored.
type SequenceNumberReader interface {
	ReadMaxExistingSequenceNumber(ctx context.Context) (int64, bool, error)
}

// IsDroppedConnection reports whether err is the server closing the stream underneath us,
// which the RDA API does to idle clients.
func IsDroppedConnection(err error) bool {
	s, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch s.Code() {
	case codes.Unavailable:
		return true
	case codes.Internal:
		return strings.Contains(s.Message(), "RST_STREAM")
	default:
		return false
	}
}

// batch keeps at most one message per dedup key in first-seen order.
type batch[T any] struct {
	keys   []string
	values map[string]T
}

func newBatch[T any]() *batch[T] {
	return &batch[T]{values: map[string]T{}}
}

func (b *batch[T]) put(key string, message T) {
	if _, ok := b.values[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.values[key] = message
}

func (b *batch[T]) len() int {
	return len(b.keys)
}

func (b *batch[T]) messages() []T {
	result := make([]T, len(b.keys))
	for i, key := range b.keys {
		result[i] = b.values[key]
	}
	return result
}

func (b *batch[T]) reset() {
	b.keys = nil
	b.values = map[string]T{}
}
