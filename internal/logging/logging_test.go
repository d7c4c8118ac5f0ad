package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kuntdari/raft-for-EC2/internal/logging"
)

func TestNewAndWithDoNotPanic(t *testing.T) {
	l := logging.New("node-1")
	sub := l.With("transport")
	assert.NotNil(t, sub)

	sub.Infof("dialing %s", "peer-2")
	sub.Debugf("frame decoded")
	sub.Warnf("retrying after %d attempts", 3)
	sub.Errorf("dial failed: %v", assert.AnError)
}

func TestSetLevelAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NotPanics(t, func() { logging.SetLevel(level) })
	}
}
