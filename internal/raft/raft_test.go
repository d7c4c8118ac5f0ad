package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kuntdari/raft-for-EC2/internal/config"
	"github.com/kuntdari/raft-for-EC2/internal/logging"
	"github.com/kuntdari/raft-for-EC2/internal/metrics"
	"github.com/kuntdari/raft-for-EC2/internal/wire"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.EnableSubleader = false // classical-path tests don't want rank reassignment noise
	return cfg
}

func newTestRaft(t *testing.T, id uint64, peers []uint64) *Raft {
	t.Helper()
	sink, err := metrics.NewFileSink("")
	require.NoError(t, err)
	r, err := New(id, peers, newMemStore(), testConfig(), logging.New("test"), sink)
	require.NoError(t, err)
	return r
}

func TestNewRejectsZeroID(t *testing.T) {
	sink, _ := metrics.NewFileSink("")
	_, err := New(None, []uint64{2, 3}, newMemStore(), testConfig(), logging.New("test"), sink)
	require.Error(t, err)
}

func TestSingleNodeClusterElectsSelfImmediately(t *testing.T) {
	r := newTestRaft(t, 1, nil)
	require.NoError(t, r.campaign())
	require.Equal(t, RoleLeader, r.Status().Role)
}

func TestCampaignBroadcastsRequestVoteToEveryPeer(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2, 3})
	require.NoError(t, r.campaign())
	require.Equal(t, RoleCandidate, r.Status().Role)
	require.EqualValues(t, 1, r.Status().Term)

	out := r.TakeOutbound()
	require.Len(t, out, 2)
	seen := map[uint64]bool{}
	for _, o := range out {
		require.Equal(t, wire.MsgRequestVote, o.Msg.Type)
		seen[o.To] = true
	}
	require.True(t, seen[2] && seen[3])
}

func TestCandidateBecomesLeaderOnMajorityVotes(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2, 3, 4})
	require.NoError(t, r.campaign())
	term := r.Status().Term

	require.NoError(t, r.Step(wire.Message{Type: wire.MsgRequestVoteReply, Term: term, SenderID: 2, VoteGranted: true}))
	require.Equal(t, RoleCandidate, r.Status().Role, "two of four votes (including self) isn't yet a majority")

	require.NoError(t, r.Step(wire.Message{Type: wire.MsgRequestVoteReply, Term: term, SenderID: 3, VoteGranted: true}))
	require.Equal(t, RoleLeader, r.Status().Role)
}

func TestHigherTermMessageForcesStepDown(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2, 3})
	require.NoError(t, r.campaign())
	require.Equal(t, RoleCandidate, r.Status().Role)

	require.NoError(t, r.Step(wire.Message{Type: wire.MsgAppendEntries, Term: r.Status().Term + 1, SenderID: 2}))
	st := r.Status()
	require.Equal(t, RoleFollower, st.Role)
	require.Equal(t, uint64(2), st.LeaderID)
}

func TestStaleTermAppendEntriesIsRejectedWithoutStateChange(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2})
	require.NoError(t, r.becomeFollower(5, None))
	r.TakeOutbound()

	require.NoError(t, r.Step(wire.Message{Type: wire.MsgAppendEntries, Term: 3, SenderID: 2}))
	require.EqualValues(t, 5, r.Status().Term)

	out := r.TakeOutbound()
	require.Len(t, out, 1)
	require.Equal(t, wire.MsgAppendEntriesReply, out[0].Msg.Type)
	require.False(t, out[0].Msg.Success)
}

func TestRequestVoteGrantedOnlyOncePerTerm(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2, 3})

	require.NoError(t, r.Step(wire.Message{Type: wire.MsgRequestVote, Term: 1, SenderID: 2, LastLogIndex: 0, LastLogTerm: 0}))
	out := r.TakeOutbound()
	require.Len(t, out, 1)
	require.True(t, out[0].Msg.VoteGranted)

	require.NoError(t, r.Step(wire.Message{Type: wire.MsgRequestVote, Term: 1, SenderID: 3, LastLogIndex: 0, LastLogTerm: 0}))
	out = r.TakeOutbound()
	require.Len(t, out, 1)
	require.False(t, out[0].Msg.VoteGranted, "already voted for 2 in term 1")
}

func TestRequestVoteRejectsStaleLog(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2})
	require.NoError(t, r.store.Append([]wire.LogEntry{{Term: 3, Payload: []byte("x")}}))

	require.NoError(t, r.Step(wire.Message{Type: wire.MsgRequestVote, Term: 3, SenderID: 2, LastLogIndex: 0, LastLogTerm: 0}))
	out := r.TakeOutbound()
	require.Len(t, out, 1)
	require.False(t, out[0].Msg.VoteGranted)
}

func TestAppendEntriesRejectsOnPrevLogMismatch(t *testing.T) {
	r := newTestRaft(t, 2, []uint64{1})
	require.NoError(t, r.Step(wire.Message{
		Type:         wire.MsgAppendEntries,
		Term:         1,
		SenderID:     1,
		PrevLogIndex: 5,
		PrevLogTerm:  1,
	}))
	out := r.TakeOutbound()
	require.Len(t, out, 1)
	require.False(t, out[0].Msg.Success)
}

func TestAppendEntriesAppendsAndAdvancesCommitIndex(t *testing.T) {
	r := newTestRaft(t, 2, []uint64{1})
	require.NoError(t, r.Step(wire.Message{
		Type:         wire.MsgAppendEntries,
		Term:         1,
		SenderID:     1,
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []wire.LogEntry{{Term: 1, Payload: []byte("a")}, {Term: 1, Payload: []byte("b")}},
		LeaderCommit: 1,
	}))
	st := r.Status()
	require.EqualValues(t, 2, st.LastIndex)
	require.EqualValues(t, 1, st.CommitIndex)

	out := r.TakeOutbound()
	require.Len(t, out, 1)
	require.True(t, out[0].Msg.Success)
	require.EqualValues(t, 2, out[0].Msg.MatchIndex)
}

func TestAppendEntriesRedeliveryIsANoOp(t *testing.T) {
	r := newTestRaft(t, 2, []uint64{1})
	entries := []wire.LogEntry{{Term: 1, Payload: []byte("a")}}
	msg := wire.Message{Type: wire.MsgAppendEntries, Term: 1, SenderID: 1, Entries: entries, LeaderCommit: 1}

	require.NoError(t, r.Step(msg))
	r.TakeOutbound()
	require.NoError(t, r.Step(msg))

	st := r.Status()
	require.EqualValues(t, 1, st.LastIndex, "redelivering the same entry must not duplicate it")
}

func TestAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	r := newTestRaft(t, 2, []uint64{1})
	require.NoError(t, r.Step(wire.Message{
		Type: wire.MsgAppendEntries, Term: 1, SenderID: 1,
		Entries: []wire.LogEntry{{Term: 1, Payload: []byte("a")}, {Term: 1, Payload: []byte("b")}},
	}))
	r.TakeOutbound()

	// Leader in term 2 overwrites index 2 with a different entry.
	require.NoError(t, r.Step(wire.Message{
		Type: wire.MsgAppendEntries, Term: 2, SenderID: 1,
		PrevLogIndex: 1, PrevLogTerm: 1,
		Entries: []wire.LogEntry{{Term: 2, Payload: []byte("c")}},
	}))

	e, ok := r.store.Entry(2)
	require.True(t, ok)
	require.EqualValues(t, 2, e.Term)
	require.Equal(t, []byte("c"), e.Payload)
}

func TestProposeRejectedWhenNotLeader(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2, 3})
	_, err := r.Propose([]byte("x"))
	require.Error(t, err)
}

func TestLeaderCommitsOnlyAfterCurrentTermEntryReplicated(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2, 3})
	require.NoError(t, r.becomeCandidate())
	r.becomeLeader()
	r.TakeOutbound()

	// Seed a prior-term entry the way a newly-elected leader would inherit
	// one from its predecessor; a majority matchIndex on it alone must not
	// commit it (spec.md §4.2's current-term commit rule).
	require.NoError(t, r.store.Append([]wire.LogEntry{{Term: r.term - 1, Payload: []byte("stale")}}))
	r.prs[2].Match = 1
	r.prs[3].Match = 1
	require.False(t, r.maybeCommit())

	index, err := r.Propose([]byte("fresh"))
	require.NoError(t, err)
	r.TakeOutbound()

	r.prs[2].Match = index
	require.True(t, r.maybeCommit())
	require.Equal(t, index, r.Status().CommitIndex)
}

func TestHandleAppendEntriesReplyRetriesOnRejectionWithDecrementedNext(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2})
	r.becomeLeader()
	r.TakeOutbound()
	r.prs[2].Next = 5

	require.NoError(t, r.Step(wire.Message{Type: wire.MsgAppendEntriesReply, Term: r.term, SenderID: 2, Success: false, MatchIndex: 2}))
	require.LessOrEqual(t, r.prs[2].Next, uint64(3))

	out := r.TakeOutbound()
	require.Len(t, out, 1)
	require.Equal(t, wire.MsgAppendEntries, out[0].Msg.Type)
}

func TestTickElectionOnFollowerStartsCampaign(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2, 3})
	require.NoError(t, r.TickElection())
	require.Equal(t, RoleCandidate, r.Status().Role)
}

func TestTickElectionOnLeaderIsANoOp(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2})
	r.becomeLeader()
	require.NoError(t, r.TickElection())
	require.Equal(t, RoleLeader, r.Status().Role)
}

func TestTickHeartbeatOnNonLeaderIsANoOp(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2})
	require.NoError(t, r.TickHeartbeat())
	require.Empty(t, r.TakeOutbound())
}

func TestRoleEpochAdvancesOnCampaign(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2})
	e0 := r.RoleEpoch()
	require.NoError(t, r.campaign())
	require.Greater(t, r.RoleEpoch(), e0)
}
