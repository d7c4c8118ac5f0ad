// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package raft is the per-node consensus engine: term/vote bookkeeping,
// log append/commit, AppendEntries/RequestVote handling, the classical
// election path (this file), and the S-Raft sub-leader extension
// (subleader.go), driven by a single role-epoch-tagged timer
// (scheduler.go).
//
// This is adapted from the Step-dispatch, tick-driven state machine in
// raft/raft.go of the teacher (itself carrying the etcd Authors license
// above): the same newRaft/Step/tickElection/become{Follower,Candidate,
// Leader}/Progress/quorum-commit shape, generalized from eraftpb.Message
// and a pluggable Storage to this repo's own wire.Message and
// store.Store, and extended with the sub-role and role-epoch fields
// S-Raft needs.
package raft

import (
	"math/rand"
	"sort"
	"time"

	"github.com/kuntdari/raft-for-EC2/internal/config"
	raerrors "github.com/kuntdari/raft-for-EC2/internal/errors"
	"github.com/kuntdari/raft-for-EC2/internal/logging"
	"github.com/kuntdari/raft-for-EC2/internal/metrics"
	"github.com/kuntdari/raft-for-EC2/internal/store"
	"github.com/kuntdari/raft-for-EC2/internal/wire"
)

// None is the placeholder id meaning "no leader"/"no vote"/"no sub-leader".
const None uint64 = 0

// Role is the classical Raft role (spec.md §3.2).
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// SubRole is S-Raft's orthogonal non-leader sub-state (spec.md §3.2/§3.4).
type SubRole int8

const (
	SubRoleNone      SubRole = -1
	SubRolePrimary   SubRole = 0
	SubRoleSecondary SubRole = 1
)

func (s SubRole) String() string {
	switch s {
	case SubRolePrimary:
		return "Primary"
	case SubRoleSecondary:
		return "Secondary"
	default:
		return "None"
	}
}

// Progress tracks a leader's view of one peer's replication state,
// grounded on raft.go's Progress/getProgress/maybeSendAppend —
// spec.md §3.3 names only the loose maps nextIndex[p]/matchIndex[p];
// this repo keeps the teacher's richer struct (see SPEC_FULL.md §13).
type Progress struct {
	Match, Next uint64
}

func (p *Progress) maybeUpdate(matchIndex uint64) bool {
	if matchIndex <= p.Match {
		return false
	}
	p.Match = matchIndex
	if p.Next < matchIndex+1 {
		p.Next = matchIndex + 1
	}
	return true
}

func (p *Progress) maybeDecrTo(rejectedIndex uint64) {
	if p.Next > 1 {
		p.Next--
	}
	if rejectedIndex+1 < p.Next {
		p.Next = rejectedIndex + 1
	}
}

// Out pairs an outbound message with its destination peer.
type Out struct {
	To  uint64
	Msg wire.Message
}

// Raft is one node's consensus core. All of its state is touched only
// from Step/TickElection/TickHeartbeat, so the driver loop (node.go) is
// the only caller that needs to exist as the spec.md §5 single writer.
type Raft struct {
	id    uint64
	peers []uint64 // excludes id

	store store.Store

	term uint64
	vote uint64

	role    Role
	subRole SubRole
	// subleaderTerm is the term this node's current sub-role assignment
	// is valid for (spec.md §3.4); cleared whenever term advances.
	subleaderTerm uint64

	leaderID    uint64
	commitIndex uint64
	lastApplied uint64

	// lastLeaderContact and recorded{Primary,Secondary} let a follower
	// evaluate PromoteLeader's "recorded sub-leader of the previous
	// term" / "leader now silent" disjunct (spec.md §4.4) — learned
	// from the leaderID's own AppendEntries, since sub-leader identity
	// is otherwise only told to the sub-leader itself.
	lastLeaderContact    time.Time
	recordedPrimary      uint64
	recordedSecondary    uint64
	recordedSubleaderTerm uint64

	// roleEpoch increments on every role or sub-role transition; the
	// scheduler tags armed deadlines with it so a stale timer firing
	// after a later transition is silently discarded (spec.md §5
	// "Cancellation", §9 "Timer epoching").
	roleEpoch uint64

	prs   map[uint64]*Progress // leader only
	votes map[uint64]bool      // candidate only

	sub   subleaderState        // leader-only RTT/ranking bookkeeping
	promo *instantPromotionState // set only while InstantPromoting

	electionTimeoutMin, electionTimeoutMax int
	heartbeatIntervalMs                    int

	cfg    config.Config
	logger *logging.Logger
	sink   metrics.Sink
	rnd    *rand.Rand

	msgs []Out
}

// New constructs a Raft core for id, with peers (excluding id) and the
// persistent store, loading any existing hard state.
func New(id uint64, peers []uint64, st store.Store, cfg config.Config, logger *logging.Logger, sink metrics.Sink) (*Raft, error) {
	if id == None {
		return nil, raerrors.New("raft: id must not be 0")
	}
	term, vote, err := st.GetHardState()
	if err != nil {
		return nil, raerrors.Trace(err)
	}
	r := &Raft{
		id:                 id,
		peers:              peers,
		store:              st,
		term:               term,
		vote:               vote,
		role:               RoleFollower,
		subRole:            SubRoleNone,
		leaderID:           None,
		electionTimeoutMin: cfg.FollowerTimeoutMs.Min,
		electionTimeoutMax: cfg.FollowerTimeoutMs.Max,
		heartbeatIntervalMs: cfg.HeartbeatIntervalMs,
		cfg:                cfg,
		logger:             logger,
		sink:               sink,
		rnd:                rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
	r.sub.reset()
	return r, nil
}

// ID returns this node's id.
func (r *Raft) ID() uint64 { return r.id }

// Status is a point-in-time snapshot used by metrics and tests,
// grounded on raft.go's implicit softState()/hardState() split and
// firefly-oss-flydb's GetClusterStatus() (SPEC_FULL.md §13).
type Status struct {
	ID          uint64
	Term        uint64
	Role        Role
	SubRole     SubRole
	LeaderID    uint64
	CommitIndex uint64
	LastIndex   uint64
}

func (r *Raft) Status() Status {
	return Status{
		ID:          r.id,
		Term:        r.term,
		Role:        r.role,
		SubRole:     r.subRole,
		LeaderID:    r.leaderID,
		CommitIndex: r.commitIndex,
		LastIndex:   r.store.LastIndex(),
	}
}

// RoleEpoch returns the current role-epoch, for the scheduler to tag a
// newly-armed deadline with.
func (r *Raft) RoleEpoch() uint64 { return r.roleEpoch }

// IsPromoting reports whether an instant-promotion attempt is in
// flight (spec.md §4.4's InstantPromoting sub-state).
func (r *Raft) IsPromoting() bool { return r.promo != nil }

// TakeOutbound drains and returns every message queued since the last
// call, the way etcd-style raft.Ready() drains Raft.msgs.
func (r *Raft) TakeOutbound() []Out {
	out := r.msgs
	r.msgs = nil
	return out
}

func (r *Raft) send(to uint64, msg wire.Message) {
	msg.Term = r.term
	msg.SenderID = r.id
	r.msgs = append(r.msgs, Out{To: to, Msg: msg})
}

func (r *Raft) broadcast(msg wire.Message) {
	for _, p := range r.peers {
		r.send(p, msg)
	}
}

func (r *Raft) resetRandomizedElectionTimeout() int {
	if r.electionTimeoutMax <= r.electionTimeoutMin {
		return r.electionTimeoutMin
	}
	return r.electionTimeoutMin + r.rnd.Intn(r.electionTimeoutMax-r.electionTimeoutMin+1)
}

// persistHardState writes term/vote through to the store. Failure here
// is fatal per spec.md §4.6/§7.
func (r *Raft) persistHardState() error {
	if err := r.store.SetHardState(r.term, r.vote); err != nil {
		return &raerrors.ErrLogStoreFatal{Cause: err}
	}
	return nil
}

// becomeFollower adopts term (stepping down from any other role),
// records leaderID (None if unknown), and clears vote/sub-role when the
// term actually advances (spec.md §4.2, §4.6 "Higher term observed").
func (r *Raft) becomeFollower(term uint64, leaderID uint64) error {
	steppingDown := r.role == RoleLeader || r.role == RoleCandidate
	if term > r.term {
		r.term = term
		r.vote = None
		r.clearSubRole()
	}
	r.role = RoleFollower
	r.leaderID = leaderID
	r.promo = nil
	r.roleEpoch++
	if err := r.persistHardState(); err != nil {
		return err
	}
	if steppingDown && r.sink != nil {
		r.sink.StepDown("higher term observed")
	}
	return nil
}

func (r *Raft) clearSubRole() {
	if r.subRole != SubRoleNone {
		r.subRole = SubRoleNone
		r.subleaderTerm = 0
	}
}

func (r *Raft) becomeCandidate() error {
	r.role = RoleCandidate
	r.term++
	r.vote = r.id
	r.leaderID = None
	r.clearSubRole()
	r.votes = map[uint64]bool{r.id: true}
	r.roleEpoch++
	r.promo = nil
	return r.persistHardState()
}

func (r *Raft) becomeLeader() {
	r.role = RoleLeader
	r.leaderID = r.id
	r.subRole = SubRoleNone
	r.promo = nil
	r.roleEpoch++
	r.prs = make(map[uint64]*Progress)
	for _, p := range r.peers {
		r.prs[p] = &Progress{Next: r.store.LastIndex() + 1}
	}
	r.sub.reset()
	if r.sink != nil {
		r.sink.ElectionWon(r.term, 0)
	}
}

// campaign starts a classical election: become candidate, vote for
// self, and broadcast RequestVote (spec.md §4.2 "Election start").
func (r *Raft) campaign() error {
	if err := r.becomeCandidate(); err != nil {
		return err
	}
	if r.sink != nil {
		r.sink.ElectionStarted()
	}
	lastIndex := r.store.LastIndex()
	lastTerm := r.store.LastTerm()
	if len(r.peers) == 0 {
		// Single-node cluster: self-vote is already a majority.
		r.becomeLeader()
		return nil
	}
	r.broadcast(wire.Message{
		Type:         wire.MsgRequestVote,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	})
	return nil
}

// TickElection fires when the single deadline expires for a Follower,
// Candidate, Primary, or Secondary (spec.md §4.1) — this covers a
// classical election timeout, an instant-promotion attempt starting,
// and an in-flight instant-promotion attempt timing out without
// majority, since all three share the one armed deadline.
func (r *Raft) TickElection() error {
	switch {
	case r.role == RoleLeader:
		return nil
	case r.promo != nil:
		return r.tickPromotionTimeout()
	case r.role == RoleFollower && r.subRole != SubRoleNone && r.subleaderTerm == r.term:
		return r.beginInstantPromotion()
	default:
		return r.campaign()
	}
}

// TickHeartbeat fires on the leader's fixed heartbeat cadence
// (spec.md §4.2 "Leader duties").
func (r *Raft) TickHeartbeat() error {
	if r.role != RoleLeader {
		return nil
	}
	r.bcastAppend()
	return r.onHeartbeatRound()
}

// bcastAppend sends every peer an AppendEntries carrying whatever
// entries it's missing (or none, for a pure heartbeat), each tagged
// with a fresh RTT probe id (spec.md §4.3).
func (r *Raft) bcastAppend() {
	for _, p := range r.peers {
		r.sendAppend(p)
	}
}

func (r *Raft) sendAppend(p uint64) {
	pr := r.prs[p]
	if pr == nil {
		return
	}
	prevIndex := pr.Next - 1
	prevTerm, ok := r.store.Term(prevIndex)
	if !ok {
		prevTerm = 0
	}
	entries := r.store.Entries(pr.Next)
	wentries := make([]wire.LogEntry, len(entries))
	copy(wentries, entries)

	probeID := r.nextProbeID(p)
	r.send(p, wire.Message{
		Type:         wire.MsgAppendEntries,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      wentries,
		LeaderCommit: r.commitIndex,
		ProbeID:      probeID,
		SendTS:       time.Now().UnixNano(),
		PrimaryID:    r.sub.primary,
		SecondaryID:  r.sub.secondary,
	})
}

// Propose appends a new entry at the leader and returns its index. It
// is the only write path into the log; spec.md treats the payload as
// opaque (§1 "no client-visible... layer is specified").
func (r *Raft) Propose(payload []byte) (uint64, error) {
	if r.role != RoleLeader {
		return 0, &raerrors.ErrNotLeader{LeaderID: r.leaderID}
	}
	if err := r.store.Append([]wire.LogEntry{{Term: r.term, Payload: payload}}); err != nil {
		return 0, err
	}
	index := r.store.LastIndex()
	if pr := r.prs[r.id]; pr != nil {
		pr.maybeUpdate(index)
	}
	if len(r.peers) == 0 {
		r.maybeCommit()
	}
	r.bcastAppend()
	return index, nil
}

// Step dispatches one inbound message, enforcing the term rules common
// to every message type before handing off to the role-specific
// handler (spec.md §6.1 "Any reply with term > receiver.currentTerm
// forces receiver to step down").
func (r *Raft) Step(m wire.Message) error {
	// PromoteLeader carries its own term-adoption rule (spec.md §4.4:
	// accepted at an equal term under extra conditions, not just a
	// strictly higher one), so it bypasses the generic rule below and
	// adopts a higher term itself, only after evaluating the
	// equal-term special case against the pre-adoption state.
	if m.Type == wire.MsgPromoteLeader {
		return r.handlePromoteLeader(m)
	}

	switch {
	case m.Term > r.term:
		leaderID := None
		if isLeaderOriginated(m.Type) {
			leaderID = m.SenderID
		}
		if err := r.becomeFollower(m.Term, leaderID); err != nil {
			return err
		}
	case m.Term < r.term:
		r.handleStaleTerm(m)
		return nil
	}

	switch r.role {
	case RoleFollower:
		return r.stepFollower(m)
	case RoleCandidate:
		return r.stepCandidate(m)
	case RoleLeader:
		return r.stepLeader(m)
	}
	return nil
}

func isLeaderOriginated(t wire.MessageType) bool {
	switch t {
	case wire.MsgAppendEntries, wire.MsgSubLeaderAssign, wire.MsgSubLeaderRevoke:
		return true
	default:
		return false
	}
}

// handleStaleTerm implements spec.md §7's "Stale reply" rule: anything
// with a term behind ours is discarded, except a RequestVote/AppendEntries
// from a confused peer gets a courtesy reject carrying our term so it
// can catch up. A stale PromoteLeader never reaches here: Step hands it
// to handlePromoteLeader, which sends its own reject.
func (r *Raft) handleStaleTerm(m wire.Message) {
	switch m.Type {
	case wire.MsgRequestVote:
		r.send(m.SenderID, wire.Message{Type: wire.MsgRequestVoteReply, VoteGranted: false})
	case wire.MsgAppendEntries:
		r.send(m.SenderID, wire.Message{Type: wire.MsgAppendEntriesReply, Success: false})
	}
}

func (r *Raft) stepFollower(m wire.Message) error {
	switch m.Type {
	case wire.MsgAppendEntries:
		return r.handleAppendEntries(m)
	case wire.MsgRequestVote:
		return r.handleRequestVote(m)
	case wire.MsgSubLeaderAssign:
		return r.handleSubLeaderAssign(m)
	case wire.MsgSubLeaderRevoke:
		r.handleSubLeaderRevoke(m)
		return nil
	case wire.MsgPromoteAck:
		if r.promo != nil {
			return r.handlePromoteAck(m)
		}
		return nil
	default:
		return nil // stale reply types, no-op for a follower
	}
}

func (r *Raft) stepCandidate(m wire.Message) error {
	switch m.Type {
	case wire.MsgAppendEntries:
		// Another leader in the same term: step down per classical Raft.
		if err := r.becomeFollower(m.Term, m.SenderID); err != nil {
			return err
		}
		return r.handleAppendEntries(m)
	case wire.MsgRequestVote:
		return r.handleRequestVote(m)
	case wire.MsgRequestVoteReply:
		return r.handleRequestVoteReply(m)
	default:
		return nil
	}
}

func (r *Raft) stepLeader(m wire.Message) error {
	switch m.Type {
	case wire.MsgAppendEntriesReply:
		return r.handleAppendEntriesReply(m)
	case wire.MsgRequestVote:
		return r.handleRequestVote(m)
	default:
		return nil
	}
}

// handleAppendEntries implements spec.md §4.2's AppendEntries contract.
func (r *Raft) handleAppendEntries(m wire.Message) error {
	if m.Term < r.term {
		r.send(m.SenderID, wire.Message{Type: wire.MsgAppendEntriesReply, Success: false})
		return nil
	}

	r.leaderID = m.SenderID
	r.role = RoleFollower
	r.lastLeaderContact = time.Now()
	if m.PrimaryID != None || m.SecondaryID != None {
		r.recordedPrimary = m.PrimaryID
		r.recordedSecondary = m.SecondaryID
		r.recordedSubleaderTerm = m.Term
	}
	r.roleEpoch++ // rearm election deadline per spec.md §4.1(b)

	if t, ok := r.store.Term(m.PrevLogIndex); !ok || t != m.PrevLogTerm {
		r.replyAppend(m, false)
		return nil
	}

	if len(m.Entries) > 0 {
		conflictAt := firstConflict(r.store, m.PrevLogIndex, m.Entries)
		if conflictAt > 0 {
			if err := r.store.Truncate(conflictAt - 1); err != nil {
				return err
			}
			if err := r.store.Append(m.Entries[conflictAt-m.PrevLogIndex-1:]); err != nil {
				return err
			}
		}
	}

	lastNew := m.PrevLogIndex + uint64(len(m.Entries))
	if m.LeaderCommit > r.commitIndex {
		if m.LeaderCommit < lastNew {
			r.commitIndex = m.LeaderCommit
		} else {
			r.commitIndex = lastNew
		}
	}

	r.replyAppend(m, true)
	return nil
}

func (r *Raft) replyAppend(m wire.Message, success bool) {
	r.send(m.SenderID, wire.Message{
		Type:       wire.MsgAppendEntriesReply,
		Success:    success,
		MatchIndex: r.store.LastIndex(),
		ProbeID:    m.ProbeID,
		SendTS:     m.SendTS,
	})
}

// firstConflict returns the first absolute log index (> 0) at which
// m's entries diverge from the local log, or 0 if every entry already
// matches (re-delivery no-op per spec.md §8.2).
func firstConflict(st store.Store, prevIndex uint64, entries []wire.LogEntry) uint64 {
	for i, e := range entries {
		idx := prevIndex + uint64(i) + 1
		existing, ok := st.Term(idx)
		if !ok || existing != e.Term {
			return idx
		}
	}
	return 0
}

// handleRequestVote implements spec.md §4.2's voting rule.
func (r *Raft) handleRequestVote(m wire.Message) error {
	upToDate := isUpToDate(m.LastLogTerm, m.LastLogIndex, r.store.LastTerm(), r.store.LastIndex())
	grant := (r.vote == None || r.vote == m.SenderID) && upToDate
	if grant {
		r.vote = m.SenderID
		if err := r.persistHardState(); err != nil {
			return err
		}
		r.roleEpoch++ // rearm election deadline per spec.md §4.1(c)
	}
	r.send(m.SenderID, wire.Message{Type: wire.MsgRequestVoteReply, VoteGranted: grant})
	return nil
}

// isUpToDate is the standard Raft log-freshness comparison, used by
// both RequestVote and PromoteLeader (spec.md §4.2, §4.4).
func isUpToDate(candTerm, candIndex, ourTerm, ourIndex uint64) bool {
	if candTerm != ourTerm {
		return candTerm > ourTerm
	}
	return candIndex >= ourIndex
}

func (r *Raft) handleRequestVoteReply(m wire.Message) error {
	if m.Term != r.term || r.role != RoleCandidate {
		return nil
	}
	r.votes[m.SenderID] = m.VoteGranted
	granted := 0
	for _, v := range r.votes {
		if v {
			granted++
		}
	}
	if granted*2 > len(r.peers)+1 {
		r.becomeLeader()
	}
	return nil
}

// handleAppendEntriesReply updates Progress, the RTT estimate, and
// re-evaluates the commit index (spec.md §4.2 "current-term commit
// rule").
func (r *Raft) handleAppendEntriesReply(m wire.Message) error {
	pr := r.prs[m.SenderID]
	if pr == nil {
		return nil
	}
	r.observeReply(m)

	if !m.Success {
		pr.maybeDecrTo(m.MatchIndex)
		r.sendAppend(m.SenderID)
		return nil
	}
	if pr.maybeUpdate(m.MatchIndex) {
		r.maybeCommit()
	}
	return nil
}

// maybeCommit applies spec.md §4.2's current-term commit rule: a
// majority of matchIndex values at or above idx, whose entry's term
// equals the current term.
func (r *Raft) maybeCommit() bool {
	matches := make([]uint64, 0, len(r.peers)+1)
	matches = append(matches, r.store.LastIndex()) // self
	for _, pr := range r.prs {
		matches = append(matches, pr.Match)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	majorityIdx := matches[(len(matches)-1)/2]

	if majorityIdx <= r.commitIndex {
		return false
	}
	term, ok := r.store.Term(majorityIdx)
	if !ok || term != r.term {
		return false
	}
	r.commitIndex = majorityIdx
	return true
}
