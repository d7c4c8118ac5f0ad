package errors_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	raerrors "github.com/kuntdari/raft-for-EC2/internal/errors"
)

func TestErrStaleTermMessage(t *testing.T) {
	err := &raerrors.ErrStaleTerm{Have: 3, Want: 5}
	assert.Contains(t, err.Error(), "3")
	assert.Contains(t, err.Error(), "5")
}

func TestErrNotLeaderNoKnownLeader(t *testing.T) {
	err := &raerrors.ErrNotLeader{}
	assert.Contains(t, err.Error(), "no known leader")
}

func TestErrNotLeaderWithLeader(t *testing.T) {
	err := &raerrors.ErrNotLeader{LeaderID: 7}
	assert.Contains(t, err.Error(), "7")
}

func TestCauseUnwrapsThroughAnnotate(t *testing.T) {
	base := &raerrors.ErrLogStoreFatal{Cause: raerrors.New("disk full")}
	wrapped := raerrors.Annotatef(base, "writing hard state")
	require.Error(t, wrapped)
	assert.Equal(t, base, raerrors.Cause(wrapped))
}

func TestTraceNilIsNil(t *testing.T) {
	assert.NoError(t, raerrors.Trace(nil))
}
