package raft

import (
	"github.com/kuntdari/raft-for-EC2/internal/wire"
)

// memStore is an in-memory store.Store fake for unit tests, grounded on
// the raft test suites in the pack (etcd/swarmkit/cockroach all drive
// their raft core against a MemoryStorage rather than the real disk
// engine). Index 0 is the zero-term sentinel, matching BadgerStore.
type memStore struct {
	entries  []wire.LogEntry
	term     uint64
	votedFor uint64
}

func newMemStore() *memStore {
	return &memStore{entries: []wire.LogEntry{{Term: 0}}}
}

func (s *memStore) GetHardState() (uint64, uint64, error) { return s.term, s.votedFor, nil }

func (s *memStore) SetHardState(term, votedFor uint64) error {
	s.term, s.votedFor = term, votedFor
	return nil
}

func (s *memStore) Append(entries []wire.LogEntry) error {
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memStore) Truncate(afterIndex uint64) error {
	if afterIndex >= uint64(len(s.entries))-1 {
		return nil
	}
	s.entries = s.entries[:afterIndex+1]
	return nil
}

func (s *memStore) Entry(index uint64) (wire.LogEntry, bool) {
	if index == 0 || index >= uint64(len(s.entries)) {
		return wire.LogEntry{}, false
	}
	return s.entries[index], true
}

func (s *memStore) Entries(from uint64) []wire.LogEntry {
	if from == 0 {
		from = 1
	}
	if from >= uint64(len(s.entries)) {
		return nil
	}
	out := make([]wire.LogEntry, len(s.entries)-int(from))
	copy(out, s.entries[from:])
	return out
}

func (s *memStore) LastIndex() uint64 { return uint64(len(s.entries) - 1) }

func (s *memStore) LastTerm() uint64 { return s.entries[len(s.entries)-1].Term }

func (s *memStore) Term(index uint64) (uint64, bool) {
	if index >= uint64(len(s.entries)) {
		return 0, false
	}
	return s.entries[index].Term, true
}

func (s *memStore) Close() error { return nil }
