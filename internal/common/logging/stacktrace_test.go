package logging

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type wrapping struct {
	err error
}

func (w wrapping) Error() string { return "wrapping: " + w.err.Error() }
func (w wrapping) Unwrap() error { return w.err }

func TestExtractStack(t *testing.T) {
	assert.Nil(t, ExtractStack(fmt.Errorf("no stack")))
	assert.NotNil(t, ExtractStack(errors.New("stack")))
	assert.NotNil(t, ExtractStack(wrapping{err: errors.New("stack")}))
}

func TestWithStacktrace(t *testing.T) {
	entry := WithStacktrace(logrus.NewEntry(logrus.New()), errors.New("boom"))
	assert.Contains(t, entry.Data, Stacktrace)
	assert.Contains(t, entry.Data, logrus.ErrorKey)
}
