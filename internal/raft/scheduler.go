package raft

import (
	"math/rand"
	"time"

	"github.com/kuntdari/raft-for-EC2/internal/config"
)

// Scheduler computes the randomized deadline interval for the node's
// current role/sub-role, implementing the four interval families in
// spec.md §4.1. It holds no timer itself — the driver loop (node.go)
// owns the single armed time.Timer and tags it with Raft.RoleEpoch()
// at arm time, so a firing that arrives after a later role transition
// can be discarded (spec.md §5 "Cancellation", §9 "Timer epoching").
type Scheduler struct {
	cfg config.Config
	rnd *rand.Rand
}

// NewScheduler builds a Scheduler from the node's configuration.
func NewScheduler(cfg config.Config, seed int64) *Scheduler {
	return &Scheduler{cfg: cfg, rnd: rand.New(rand.NewSource(seed))}
}

// Interval returns the next randomized deadline for r's current state:
// fixed heartbeat cadence for a Leader, the Primary window while
// InstantPromoting (regardless of actual rank, per §4.4 point 4) or
// while holding Primary rank, the Secondary window while holding
// Secondary rank, and the classical election window otherwise.
func (s *Scheduler) Interval(r *Raft) time.Duration {
	switch {
	case r.role == RoleLeader:
		return time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond
	case r.promo != nil:
		return s.randRange(s.cfg.PrimaryTimeoutMs)
	case r.role == RoleFollower && r.subRole == SubRolePrimary && r.subleaderTerm == r.term:
		return s.randRange(s.cfg.PrimaryTimeoutMs)
	case r.role == RoleFollower && r.subRole == SubRoleSecondary && r.subleaderTerm == r.term:
		return s.randRange(s.cfg.SecondaryTimeoutMs)
	default:
		return s.randRange(s.cfg.FollowerTimeoutMs)
	}
}

func (s *Scheduler) randRange(rg config.Range) time.Duration {
	if rg.Max <= rg.Min {
		return time.Duration(rg.Min) * time.Millisecond
	}
	ms := rg.Min + s.rnd.Intn(rg.Max-rg.Min+1)
	return time.Duration(ms) * time.Millisecond
}
