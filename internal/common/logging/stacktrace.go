package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}

type unwrapper interface {
	Unwrap() error
}

// WithStacktrace adds err and, if one can be found in its chain, a stack trace to the entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack returns the first errors.StackTrace in the chain of err, following both
// Cause and Unwrap links. It returns nil if there is none.
func ExtractStack(err error) errors.StackTrace {
	switch e := err.(type) {
	case stackTracer:
		return e.StackTrace()
	case causer:
		return ExtractStack(e.Cause())
	case unwrapper:
		return ExtractStack(e.Unwrap())
	}
	return nil
}
