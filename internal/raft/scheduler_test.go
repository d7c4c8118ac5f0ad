package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchedulerIntervalFixedForLeader(t *testing.T) {
	r := newTestRaft(t, 1, []uint64{2})
	require.NoError(t, r.becomeCandidate())
	r.becomeLeader()

	sched := NewScheduler(r.cfg, 1)
	got := sched.Interval(r)
	require.Equal(t, int(got.Milliseconds()), r.cfg.HeartbeatIntervalMs)
}

func TestSchedulerIntervalUsesPrimaryWindowWhilePromoting(t *testing.T) {
	r := newSubleaderTestRaft(t, 2, []uint64{1, 3})
	require.NoError(t, r.becomeFollower(5, 1))
	r.subRole = SubRoleSecondary // actual rank is Secondary...
	r.subleaderTerm = 5
	require.NoError(t, r.beginInstantPromotion())

	sched := NewScheduler(r.cfg, 1)
	for i := 0; i < 100; i++ {
		ms := sched.Interval(r).Milliseconds()
		require.GreaterOrEqual(t, ms, int64(r.cfg.PrimaryTimeoutMs.Min), "promotion deadline uses the Primary window regardless of rank")
		require.LessOrEqual(t, ms, int64(r.cfg.PrimaryTimeoutMs.Max))
	}
}

func TestSchedulerIntervalUsesPrimaryWindowForPrimaryRank(t *testing.T) {
	r := newSubleaderTestRaft(t, 2, []uint64{1})
	require.NoError(t, r.becomeFollower(5, 1))
	r.subRole = SubRolePrimary
	r.subleaderTerm = r.term

	sched := NewScheduler(r.cfg, 1)
	ms := sched.Interval(r).Milliseconds()
	require.GreaterOrEqual(t, ms, int64(r.cfg.PrimaryTimeoutMs.Min))
	require.LessOrEqual(t, ms, int64(r.cfg.PrimaryTimeoutMs.Max))
}

func TestSchedulerIntervalUsesSecondaryWindowForSecondaryRank(t *testing.T) {
	r := newSubleaderTestRaft(t, 2, []uint64{1})
	require.NoError(t, r.becomeFollower(5, 1))
	r.subRole = SubRoleSecondary
	r.subleaderTerm = r.term

	sched := NewScheduler(r.cfg, 1)
	ms := sched.Interval(r).Milliseconds()
	require.GreaterOrEqual(t, ms, int64(r.cfg.SecondaryTimeoutMs.Min))
	require.LessOrEqual(t, ms, int64(r.cfg.SecondaryTimeoutMs.Max))
}

func TestSchedulerIntervalUsesFollowerWindowOtherwise(t *testing.T) {
	r := newTestRaft(t, 2, []uint64{1})
	sched := NewScheduler(r.cfg, 1)
	ms := sched.Interval(r).Milliseconds()
	require.GreaterOrEqual(t, ms, int64(r.cfg.FollowerTimeoutMs.Min))
	require.LessOrEqual(t, ms, int64(r.cfg.FollowerTimeoutMs.Max))
}

// A stale sub-role assignment (subleaderTerm left over from a prior
// term) must not keep using the Primary/Secondary window — it falls
// back to the Follower window like any other non-ranked follower.
func TestSchedulerIntervalIgnoresStaleSubleaderTerm(t *testing.T) {
	r := newSubleaderTestRaft(t, 2, []uint64{1})
	require.NoError(t, r.becomeFollower(5, 1))
	r.subRole = SubRolePrimary
	r.subleaderTerm = 4 // stale: current term is 5

	sched := NewScheduler(r.cfg, 1)
	ms := sched.Interval(r).Milliseconds()
	require.GreaterOrEqual(t, ms, int64(r.cfg.FollowerTimeoutMs.Min))
}

func TestSchedulerWindowOrderingInvariant(t *testing.T) {
	cfg := testConfig()
	require.Less(t, cfg.PrimaryTimeoutMs.Max, cfg.SecondaryTimeoutMs.Min)
	require.Less(t, cfg.SecondaryTimeoutMs.Min, cfg.FollowerTimeoutMs.Min)
}
