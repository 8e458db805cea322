package processing

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWriter struct {
	failOn  string
	written []string
}

func (w *countingWriter) WriteObject(_ context.Context, _ string, object string) (int, error) {
	if object == w.failOn {
		return 0, errors.Errorf("cannot write %s", object)
	}
	w.written = append(w.written, object)
	return 1, nil
}

func TestWriteEachObject(t *testing.T) {
	tests := map[string]struct {
		objects       []string
		failOn        string
		expectedCount int
		expectError   bool
	}{
		"empty": {
			objects:       nil,
			expectedCount: 0,
		},
		"all succeed": {
			objects:       []string{"a", "b", "c"},
			expectedCount: 3,
		},
		"third fails": {
			objects:       []string{"a", "b", "c", "d"},
			failOn:        "c",
			expectedCount: 2,
			expectError:   true,
		},
		"first fails": {
			objects:       []string{"a", "b"},
			failOn:        "a",
			expectedCount: 0,
			expectError:   true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			w := &countingWriter{failOn: tc.failOn}
			n, err := WriteEachObject[string](context.Background(), w, "v1", tc.objects)
			assert.Equal(t, tc.expectedCount, n)
			if tc.expectError {
				require.Error(t, err)
				var f *Failure
				require.True(t, errors.As(err, &f))
				assert.Equal(t, tc.expectedCount, f.ProcessedCount())
				assert.Equal(t, PartialFailure, f.Kind())
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWriteEachObject_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &countingWriter{}
	n, err := WriteEachObject[string](ctx, w, "v1", []string{"a"})
	assert.Equal(t, 0, n)
	assert.True(t, IsInterrupted(err))
	assert.Empty(t, w.written)
}
