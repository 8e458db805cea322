package health

import (
	"context"
	"time"
)

// Checker is implemented by components that can report their health.
type Checker interface {
	Check() error
}

// ProbeChecker adapts a context-aware probe, such as a job smoke test, to a Checker
// bounded by timeout.
type ProbeChecker struct {
	name    string
	timeout time.Duration
	probe   func(ctx context.Context) error
}

func NewProbeChecker(name string, timeout time.Duration, probe func(ctx context.Context) error) *ProbeChecker {
	return &ProbeChecker{name: name, timeout: timeout, probe: probe}
}

func (c *ProbeChecker) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.probe(ctx); err != nil {
		return &probeError{name: c.name, err: err}
	}
	return nil
}

type probeError struct {
	name string
	err  error
}

func (e *probeError) Error() string {
	return e.name + ": " + e.err.Error()
}

func (e *probeError) Unwrap() error {
	return e.err
}
