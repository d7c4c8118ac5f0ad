package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuntdari/raft-for-EC2/internal/store"
	"github.com/kuntdari/raft-for-EC2/internal/wire"
)

func openTestStore(t *testing.T) *store.BadgerStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHardStatePersists(t *testing.T) {
	s := openTestStore(t)

	term, votedFor, err := s.GetHardState()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)
	assert.Equal(t, uint64(0), votedFor)

	require.NoError(t, s.SetHardState(5, 3))
	term, votedFor, err = s.GetHardState()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), term)
	assert.Equal(t, uint64(3), votedFor)
}

func TestAppendAndLookup(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append([]wire.LogEntry{
		{Term: 1, Payload: []byte("a")},
		{Term: 1, Payload: []byte("b")},
		{Term: 2, Payload: []byte("c")},
	}))

	assert.Equal(t, uint64(3), s.LastIndex())
	assert.Equal(t, uint64(2), s.LastTerm())

	e, ok := s.Entry(2)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), e.Payload)

	termAt, ok := s.Term(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), termAt)

	_, ok = s.Entry(99)
	assert.False(t, ok)
}

func TestTruncateDropsConflictingSuffix(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append([]wire.LogEntry{
		{Term: 1}, {Term: 1}, {Term: 2},
	}))

	require.NoError(t, s.Truncate(1))
	assert.Equal(t, uint64(1), s.LastIndex())

	require.NoError(t, s.Append([]wire.LogEntry{{Term: 5}}))
	assert.Equal(t, uint64(2), s.LastIndex())
	e, ok := s.Entry(2)
	require.True(t, ok)
	assert.Equal(t, uint64(5), e.Term)
}

func TestEntriesFromReturnsSuffix(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append([]wire.LogEntry{{Term: 1}, {Term: 2}, {Term: 3}}))
	got := s.Entries(2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Term)
	assert.Equal(t, uint64(3), got[1].Term)
}

func TestReplayRestoresStateAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetHardState(7, 2))
	require.NoError(t, s.Append([]wire.LogEntry{{Term: 7, Payload: []byte("x")}}))
	require.NoError(t, s.Close())

	reopened, err := store.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	term, votedFor, err := reopened.GetHardState()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), term)
	assert.Equal(t, uint64(2), votedFor)
	assert.Equal(t, uint64(1), reopened.LastIndex())
}
