package processing

import (
	"context"
	"io"
)

// Source retrieves objects from an upstream and pushes them through a Sink.
// RetrieveAndProcessObjects returns the number of objects the sink committed.
// On error the returned error is a *Failure carrying that count.
type Source[T any] interface {
	io.Closer
	RetrieveAndProcessObjects(ctx context.Context, maxPerBatch int, sink Sink[T]) (int, error)
	SmokeTest(ctx context.Context) error
}

// Sink writes objects received from a Source. Both write methods return the number
// of objects durably processed. Failures are reported as *Failure.
type Sink[T any] interface {
	io.Closer
	ObjectWriter[T]
	WriteBatch(ctx context.Context, apiVersion string, objects []T) (int, error)
}

type ObjectWriter[T any] interface {
	WriteObject(ctx context.Context, apiVersion string, object T) (int, error)
}

// WriteEachObject writes objects one at a time in order. When a write fails the
// returned Failure carries the count accumulated before the failing object.
func WriteEachObject[T any](ctx context.Context, w ObjectWriter[T], apiVersion string, objects []T) (int, error) {
	total := 0
	for _, object := range objects {
		if err := ctx.Err(); err != nil {
			return total, NewFailure(err, total)
		}
		n, err := w.WriteObject(ctx, apiVersion, object)
		if err != nil {
			return total, NewFailure(err, total)
		}
		total += n
	}
	return total, nil
}
