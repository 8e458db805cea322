package sink

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/rdapipeline/internal/pipeline/processing"
	"github.com/G-Research/rdapipeline/internal/rda/model"
)

type message struct {
	seq     int64
	claimID string
	mbi     string
	invalid bool
}

type fakeTransformer struct{}

func (fakeTransformer) SequenceNumber(m message) int64 { return m.seq }

func (fakeTransformer) DedupKey(m message) string { return m.claimID }

func (fakeTransformer) Transform(apiVersion string, m message) (processing.Change[model.Claim], error) {
	if m.invalid {
		return processing.Change[model.Claim]{}, errors.Errorf("claim %s is invalid", m.claimID)
	}
	return processing.Change[model.Claim]{
		Type: processing.Insert,
		Object: model.Claim{
			Type:           model.Fiss,
			ClaimID:        m.claimID,
			SequenceNumber: m.seq,
			Mbi:            m.mbi,
			ApiSource:      apiVersion,
		},
	}, nil
}

func (fakeTransformer) MessageJSON(m message) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"seq": m.seq, "claimId": m.claimID})
}

type writeCall struct {
	claimIDs []string
	progress *int64
}

type fakeWriter struct {
	mu          sync.Mutex
	calls       []writeCall
	failOnClaim string
	progress    []int64
	maxSeq      int64
	hasMax      bool
}

func (w *fakeWriter) WriteClaims(
	_ context.Context,
	_ model.ClaimType,
	changes []processing.Change[model.Claim],
	progress *int64,
) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ids []string
	for _, c := range changes {
		if c.Object.ClaimID == w.failOnClaim {
			return 0, errors.Errorf("failed writing %s", c.Object.ClaimID)
		}
		ids = append(ids, c.Object.ClaimID)
	}
	w.calls = append(w.calls, writeCall{claimIDs: ids, progress: progress})
	if progress != nil {
		w.progress = append(w.progress, *progress)
	}
	return len(changes), nil
}

func (w *fakeWriter) UpdateLastSequenceNumber(_ context.Context, _ model.ClaimType, sequenceNumber int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.progress = append(w.progress, sequenceNumber)
	return nil
}

func (w *fakeWriter) ReadMaxExistingSequenceNumber(context.Context, model.ClaimType) (int64, bool, error) {
	return w.maxSeq, w.hasMax, nil
}

type fakeErrorWriter struct {
	recorded []model.MessageError
}

func (w *fakeErrorWriter) RecordError(_ context.Context, messageError model.MessageError) error {
	w.recorded = append(w.recorded, messageError)
	return nil
}

type fakeMbis struct {
	ids map[string]int64
}

func (f fakeMbis) Lookup(_ context.Context, mbi string) (Mbi, error) {
	id, ok := f.ids[mbi]
	if !ok {
		return Mbi{}, errors.Errorf("unknown mbi %s", mbi)
	}
	return Mbi{ID: &id, Value: mbi, Hash: "hash-" + mbi}, nil
}

type fakeMbiStore struct {
	calls    int
	failures int
	id       int64
}

func (s *fakeMbiStore) ReadOrInsert(context.Context, string, string) (int64, error) {
	s.calls++
	if s.calls <= s.failures {
		return 0, errors.New("conflict")
	}
	return s.id, nil
}
