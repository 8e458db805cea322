package util

import (
	"io"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

func CloseResource(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		log.WithError(err).Warnf("Failed to close %s cleanly", name)
	}
}

// CloseAll closes every non-nil closer, in order, and returns all resulting errors combined.
func CloseAll(closers ...io.Closer) error {
	var result *multierror.Error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
