package raft

import (
	"sort"
	"time"

	"github.com/kuntdari/raft-for-EC2/internal/config"
	"github.com/kuntdari/raft-for-EC2/internal/wire"
)

// subleaderRankRounds is K in spec.md §4.3: the leader re-ranks peers
// by rttEstimate every K heartbeat rounds.
const subleaderRankRounds = 5

type pendingProbe struct {
	ProbeID uint64
	Term    uint64
	SendTS  int64
}

type rttSample struct {
	estimateMs  float64
	hasSample   bool
	lastUpdated time.Time
}

// subleaderState is the leader-only RTT/ranking bookkeeping from
// spec.md §3.3 ("rttEstimate[p]", "subleaders").
type subleaderState struct {
	rtt     map[uint64]*rttSample
	pending map[uint64]pendingProbe

	probeSeq uint64
	rounds   int

	primary, secondary uint64 // None if unset
}

func (s *subleaderState) reset() {
	s.rtt = make(map[uint64]*rttSample)
	s.pending = make(map[uint64]pendingProbe)
	s.probeSeq = 0
	s.rounds = 0
	s.primary = None
	s.secondary = None
}

// instantPromotionState tracks one in-flight instant-promotion attempt
// (spec.md §4.4).
type instantPromotionState struct {
	rank      SubRole
	term      uint64
	startedAt time.Time
	acks      map[uint64]bool
}

func (r *Raft) nextProbeID(peer uint64) uint64 {
	r.sub.probeSeq++
	id := r.sub.probeSeq
	r.sub.pending[peer] = pendingProbe{ProbeID: id, Term: r.term, SendTS: time.Now().UnixNano()}
	return id
}

// observeReply updates the RTT estimate for the replying peer, per
// spec.md §4.3: "rtt = now − sendTs ... rttEstimate[p] ← 0.3·rtt +
// 0.7·rttEstimate[p]... samples with reply term ≠ probe term are
// discarded."
func (r *Raft) observeReply(m wire.Message) {
	pending, ok := r.sub.pending[m.SenderID]
	if !ok || pending.ProbeID != m.ProbeID || pending.Term != r.term || m.Term != pending.Term {
		return
	}
	delete(r.sub.pending, m.SenderID)

	rttMs := float64(time.Now().UnixNano()-m.SendTS) / 1e6
	if rttMs < 0 {
		rttMs = 0
	}
	sample := r.sub.rtt[m.SenderID]
	if sample == nil || !sample.hasSample {
		sample = &rttSample{estimateMs: rttMs, hasSample: true}
		r.sub.rtt[m.SenderID] = sample
	} else {
		sample.estimateMs = r.cfg.RTTEwmaAlpha*rttMs + (1-r.cfg.RTTEwmaAlpha)*sample.estimateMs
	}
	sample.lastUpdated = time.Now()

	if r.sink != nil {
		r.sink.HeartbeatRTT(m.SenderID, int64(rttMs))
	}
}

// onHeartbeatRound runs after every leader heartbeat broadcast and,
// every K rounds, re-ranks peers and reassigns sub-leaders (spec.md
// §4.3).
func (r *Raft) onHeartbeatRound() error {
	if !r.cfg.SubleaderActive() {
		return nil
	}
	r.sub.rounds++
	if r.sub.rounds < subleaderRankRounds {
		return nil
	}
	r.sub.rounds = 0
	return r.rerankSubleaders()
}

func (r *Raft) rerankSubleaders() error {
	staleAfter := time.Duration(r.cfg.RTTStaleMs) * time.Millisecond
	type candidate struct {
		id uint64
		ms float64
	}
	now := time.Now()
	var candidates []candidate
	for _, p := range r.peers {
		s := r.sub.rtt[p]
		if s == nil || !s.hasSample || now.Sub(s.lastUpdated) > staleAfter {
			continue
		}
		candidates = append(candidates, candidate{id: p, ms: s.estimateMs})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ms != candidates[j].ms {
			return candidates[i].ms < candidates[j].ms
		}
		return candidates[i].id < candidates[j].id
	})

	clusterSize := len(r.peers) + 1
	want := config.SubleaderCount(r.cfg.SubleaderRatio, clusterSize)
	if want > 2 {
		want = 2 // this repo's wire protocol and timeout ladder only define rank 0/1
	}

	var newPrimary, newSecondary uint64 = None, None
	if want >= 1 && len(candidates) >= 1 {
		newPrimary = candidates[0].id
	}
	if want >= 2 && len(candidates) >= 2 {
		newSecondary = candidates[1].id
	}

	if newPrimary == r.sub.primary && newSecondary == r.sub.secondary {
		return nil
	}

	old := map[uint64]int8{}
	if r.sub.primary != None {
		old[r.sub.primary] = int8(SubRolePrimary)
	}
	if r.sub.secondary != None {
		old[r.sub.secondary] = int8(SubRoleSecondary)
	}
	next := map[uint64]int8{}
	if newPrimary != None {
		next[newPrimary] = int8(SubRolePrimary)
	}
	if newSecondary != None {
		next[newSecondary] = int8(SubRoleSecondary)
	}

	for peer, rank := range next {
		if oldRank, ok := old[peer]; !ok || oldRank != rank {
			r.send(peer, wire.Message{Type: wire.MsgSubLeaderAssign, Rank: rank})
			if r.sink != nil {
				r.sink.SubleaderAssigned(rank, peer)
			}
		}
	}
	for peer := range old {
		if _, stillAssigned := next[peer]; !stillAssigned {
			r.send(peer, wire.Message{Type: wire.MsgSubLeaderRevoke})
		}
	}

	r.sub.primary = newPrimary
	r.sub.secondary = newSecondary
	return nil
}

// handleSubLeaderAssign implements the follower-side acceptance rule in
// spec.md §4.3.
func (r *Raft) handleSubLeaderAssign(m wire.Message) error {
	if m.Term != r.term || m.SenderID != r.leaderID || r.role != RoleFollower {
		return nil
	}
	r.subRole = SubRole(m.Rank)
	r.subleaderTerm = r.term
	r.roleEpoch++ // scheduler rearms with the Primary/Secondary interval
	return nil
}

func (r *Raft) handleSubLeaderRevoke(m wire.Message) {
	if m.Term != r.term || m.SenderID != r.leaderID {
		return
	}
	if r.subRole != SubRoleNone {
		r.subRole = SubRoleNone
		r.subleaderTerm = 0
		r.roleEpoch++
	}
}

// beginInstantPromotion implements spec.md §4.4's "On entering
// InstantPromoting" sequence.
func (r *Raft) beginInstantPromotion() error {
	rank := r.subRole
	r.term++ // DESIGN.md Open Question 2: always currentTerm+1, never reused.
	r.vote = r.id
	if err := r.persistHardState(); err != nil {
		return err
	}
	r.promo = &instantPromotionState{
		rank:      rank,
		term:      r.term,
		startedAt: time.Now(),
		acks:      map[uint64]bool{r.id: true},
	}
	r.roleEpoch++
	if r.sink != nil {
		r.sink.PromotionStarted(int8(rank))
	}
	r.broadcast(wire.Message{
		Type:         wire.MsgPromoteLeader,
		Rank:         int8(rank),
		LastLogIndex: r.store.LastIndex(),
		LastLogTerm:  r.store.LastTerm(),
	})
	return nil
}

// tickPromotionTimeout implements spec.md §4.4's "promotion deadline
// expires without majority" rule.
func (r *Raft) tickPromotionTimeout() error {
	if r.promo == nil {
		return nil
	}
	rank := r.promo.rank
	if r.sink != nil {
		r.sink.PromotionFailed(int8(rank), "deadline expired without majority")
	}
	r.promo = nil
	r.roleEpoch++
	if rank == SubRolePrimary {
		// Primary's attempt ends; Secondary's own (longer) deadline, if
		// this node also held that rank in a later term, will fire
		// next on its own schedule. Nothing else to do here.
		return nil
	}
	// Secondary's attempt also failed: fall back to classical election.
	return r.campaign()
}

// handlePromoteLeader implements the peer-side acceptance rule in
// spec.md §4.4, including the equal-term special case. It performs its
// own term adoption rather than relying on Step's generic rule, since
// the equal-term branch must be evaluated against the pre-adoption
// state.
func (r *Raft) handlePromoteLeader(m wire.Message) error {
	oldTerm := r.term
	oldVote := r.vote
	oldLeader := r.leaderID

	if m.Term < oldTerm {
		r.send(m.SenderID, wire.Message{Type: wire.MsgPromoteAck, Accept: false})
		return nil
	}

	eligibleTerm := m.Term > oldTerm || (oldVote == None && oldLeader == None)
	logUpToDate := isUpToDate(m.LastLogTerm, m.LastLogIndex, r.store.LastTerm(), r.store.LastIndex())

	previousTerm := m.Term - 1
	wasRecordedSubleader := r.recordedSubleaderTerm == previousTerm &&
		(r.recordedPrimary == m.SenderID || r.recordedSecondary == m.SenderID)
	leaderSilent := oldLeader == None ||
		time.Since(r.lastLeaderContact) > time.Duration(r.electionTimeoutMin)*time.Millisecond

	accept := eligibleTerm && logUpToDate && (wasRecordedSubleader || leaderSilent)

	if m.Term > oldTerm {
		if err := r.becomeFollower(m.Term, None); err != nil {
			return err
		}
	}

	if !accept {
		r.send(m.SenderID, wire.Message{Type: wire.MsgPromoteAck, Accept: false})
		return nil
	}

	r.vote = m.SenderID
	r.leaderID = m.SenderID
	r.role = RoleFollower
	r.lastLeaderContact = time.Now()
	r.roleEpoch++
	if err := r.persistHardState(); err != nil {
		return err
	}
	r.send(m.SenderID, wire.Message{Type: wire.MsgPromoteAck, Accept: true})
	return nil
}

// handlePromoteAck implements spec.md §4.4's "Promotion outcome (on the
// promoter)" rule. Only called while r.promo != nil.
func (r *Raft) handlePromoteAck(m wire.Message) error {
	if r.promo == nil || m.Term != r.promo.term || !m.Accept {
		return nil
	}
	r.promo.acks[m.SenderID] = true
	granted := len(r.promo.acks)
	if 2*granted > len(r.peers)+1 {
		durationMs := time.Since(r.promo.startedAt).Milliseconds()
		rank := r.promo.rank
		r.promo = nil
		r.becomeLeader()
		if r.sink != nil {
			r.sink.PromotionSucceeded(int8(rank), durationMs)
		}
	}
	return nil
}
