package source

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

type message struct {
	seq     int64
	claimID string
}

type messageAdapter struct{}

func (messageAdapter) SequenceNumber(m message) int64 { return m.seq }
func (messageAdapter) DedupKey(m message) string      { return m.claimID }

// step is either a message or an error produced by a fakeStream.
type step struct {
	message message
	err     error
	// before is run before the step is returned
	before func()
}

type fakeStream struct {
	steps     []step
	cancelled bool
}

func (s *fakeStream) Next() (message, error) {
	if len(s.steps) == 0 {
		return message{}, io.EOF
	}
	next := s.steps[0]
	s.steps = s.steps[1:]
	if next.before != nil {
		next.before()
	}
	return next.message, next.err
}

func (s *fakeStream) Cancel() {
	s.cancelled = true
}

type fakeCaller struct {
	version    string
	versionErr error
	// streams by starting sequence number
	streams    map[int64]*fakeStream
	callErr    error
	healthErr  error
	calledWith []int64
	closed     bool
}

func (c *fakeCaller) CallVersionService(context.Context) (string, error) {
	return c.version, c.versionErr
}

func (c *fakeCaller) CallService(_ context.Context, since int64) (ResponseStream[message], error) {
	c.calledWith = append(c.calledWith, since)
	if c.callErr != nil {
		return nil, c.callErr
	}
	stream, ok := c.streams[since]
	if !ok {
		stream = &fakeStream{}
		c.streams[since] = stream
	}
	return stream, nil
}

func (c *fakeCaller) HealthCheck(context.Context) error {
	return c.healthErr
}

func (c *fakeCaller) Close() error {
	c.closed = true
	return nil
}

type fakeSink struct {
	mu          sync.Mutex
	batches     [][]message
	failOnClaim string
	maxSeq      *int64
	seqErr      error
}

func (s *fakeSink) WriteObject(_ context.Context, _ string, m message) (int, error) {
	if m.claimID == s.failOnClaim {
		return 0, errors.Errorf("cannot write %s", m.claimID)
	}
	return 1, nil
}

func (s *fakeSink) WriteBatch(ctx context.Context, apiVersion string, messages []message) (int, error) {
	s.mu.Lock()
	s.batches = append(s.batches, messages)
	s.mu.Unlock()
	return processing.WriteEachObject[message](ctx, s, apiVersion, messages)
}

func (s *fakeSink) ReadMaxExistingSequenceNumber(context.Context) (int64, bool, error) {
	if s.seqErr != nil {
		return 0, false, s.seqErr
	}
	if s.maxSeq == nil {
		return 0, false, nil
	}
	return *s.maxSeq, true, nil
}

func (s *fakeSink) Close() error { return nil }

func messages(claimIDs ...string) []step {
	steps := make([]step, len(claimIDs))
	for i, id := range claimIDs {
		steps[i] = step{message: message{seq: int64(i + 1), claimID: id}}
	}
	return steps
}

type fakeErrorStore struct {
	unresolved []int64
	readErr    error
	statuses   map[string]model.MessageErrorStatus
}

func (s *fakeErrorStore) ReadUnresolvedSequenceNumbers(context.Context, model.ClaimType) ([]int64, error) {
	return s.unresolved, s.readErr
}

func (s *fakeErrorStore) UpdateStatus(_ context.Context, claimType model.ClaimType, seq int64, status model.MessageErrorStatus) error {
	if s.statuses == nil {
		s.statuses = map[string]model.MessageErrorStatus{}
	}
	s.statuses[fmt.Sprintf("%s/%d", claimType, seq)] = status
	return nil
}
