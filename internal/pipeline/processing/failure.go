package processing

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies why a batch of processing stopped early.
type Kind int

const (
	// PartialFailure means some objects may have been processed before an error occurred.
	PartialFailure Kind = iota
	// Interrupted means processing was cancelled by the caller.
	Interrupted
	// Fatal means processing could not start at all, e.g. an invalid statement or configuration.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case PartialFailure:
		return "partial-failure"
	case Interrupted:
		return "interrupted"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Failure wraps an error raised while processing objects together with the number
// of objects that were fully processed before it happened.
type Failure struct {
	kind  Kind
	count int
	cause error
}

// NewFailure wraps cause, recording count objects as processed. If cause is itself a
// Failure its kind is preserved, and cancellation of any flavour is classified as
// Interrupted.
func NewFailure(cause error, count int) *Failure {
	return &Failure{kind: classify(cause), count: count, cause: cause}
}

func NewFatalFailure(cause error) *Failure {
	return &Failure{kind: Fatal, cause: cause}
}

func classify(err error) Kind {
	var nested *Failure
	if errors.As(err, &nested) {
		return nested.kind
	}
	if errors.Is(err, context.Canceled) {
		return Interrupted
	}
	if s, ok := status.FromError(errors.Cause(err)); ok && s.Code() == codes.Canceled {
		return Interrupted
	}
	return PartialFailure
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s after %d processed objects: %v", f.kind, f.count, f.cause)
}

func (f *Failure) Unwrap() error {
	return f.cause
}

func (f *Failure) Kind() Kind {
	return f.kind
}

func (f *Failure) ProcessedCount() int {
	return f.count
}

// RootCause returns the innermost error, skipping any nested Failures.
func (f *Failure) RootCause() error {
	err := f.cause
	for {
		nested, ok := err.(*Failure)
		if !ok {
			break
		}
		err = nested.cause
	}
	return errors.Cause(err)
}

// IsInterrupted reports whether err represents cancellation.
func IsInterrupted(err error) bool {
	if err == nil {
		return false
	}
	return classify(err) == Interrupted
}

// CountOf returns the processed count carried by err, or 0 when err is not a Failure.
func CountOf(err error) int {
	var f *Failure
	if errors.As(err, &f) {
		return f.count
	}
	return 0
}
