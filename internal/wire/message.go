// Package wire defines the on-the-wire message taxonomy between S-Raft
// nodes and its framing.
//
// The teacher encodes raft.Message as generated eraftpb protobuf and moves
// it over gRPC (see kv/tikv/inner_server/snapRunner.go). The eraftpb stubs
// are not present in this tree and cannot be regenerated here, so this
// package substitutes a length-prefixed encoding/binary frame around an
// encoding/json body, the same substitution firefly-oss-flydb's own
// internal/cluster/raft.go makes for its RequestVote/AppendEntries RPCs.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/kuntdari/raft-for-EC2/internal/errors"
)

// MessageType tags the eight wire messages from the external interface
// taxonomy.
type MessageType uint8

const (
	MsgAppendEntries MessageType = iota + 1
	MsgAppendEntriesReply
	MsgRequestVote
	MsgRequestVoteReply
	MsgSubLeaderAssign
	MsgSubLeaderRevoke
	MsgPromoteLeader
	MsgPromoteAck
)

func (t MessageType) String() string {
	switch t {
	case MsgAppendEntries:
		return "AppendEntries"
	case MsgAppendEntriesReply:
		return "AppendEntriesReply"
	case MsgRequestVote:
		return "RequestVote"
	case MsgRequestVoteReply:
		return "RequestVoteReply"
	case MsgSubLeaderAssign:
		return "SubLeaderAssign"
	case MsgSubLeaderRevoke:
		return "SubLeaderRevoke"
	case MsgPromoteLeader:
		return "PromoteLeader"
	case MsgPromoteAck:
		return "PromoteAck"
	default:
		return "Unknown"
	}
}

// LogEntry is a single replicated log record.
type LogEntry struct {
	Term    uint64
	Payload []byte
}

// Message is the flat tagged-union envelope that actually goes over the
// wire. Every message type carries Type/Term/SenderID; the remaining
// fields are populated only for the types that use them, mirroring how
// eraftpb.Message itself packs every RPC kind into one struct (see the
// m.MsgType/m.Index/m.LogTerm/m.Entries/m.Commit/m.Reject fields
// dispatched on in raft/raft.go's stepLeader/stepCandidate/stepFollower).
type Message struct {
	Type     MessageType
	Term     uint64
	SenderID uint64

	// AppendEntries / AppendEntriesReply
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
	ProbeID      uint64
	SendTS       int64
	Success      bool
	MatchIndex   uint64
	// PrimaryID/SecondaryID echo the leader's current sub-leader
	// assignment on every AppendEntries so every follower (not just the
	// assignees) can evaluate PromoteLeader's "recorded sub-leader of
	// the previous term" disjunct. Zero means unset.
	PrimaryID   uint64
	SecondaryID uint64

	// RequestVote / RequestVoteReply
	LastLogIndex uint64
	LastLogTerm  uint64
	VoteGranted  bool

	// SubLeaderAssign / PromoteLeader
	Rank int8

	// PromoteAck
	Accept bool
}

// maxFrameBytes bounds a single frame. A peer that claims a larger length
// prefix is either confused or hostile; either way the frame is dropped
// without allocating whatever size it asked for.
const maxFrameBytes = 16 << 20

// Encode writes m to w as a 4-byte big-endian length prefix followed by
// its JSON body.
func Encode(w io.Writer, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return errors.Trace(err)
	}
	if len(body) > maxFrameBytes {
		return errors.Annotatef(errors.ErrMalformedFrame, "message body too large: %d bytes", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return errors.Trace(err)
	}
	if _, err := w.Write(body); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Decode reads one frame from r and unmarshals its body.
//
// Malformed frames (bad length prefix, truncated body, invalid JSON) are
// reported as errors.ErrMalformedFrame so callers can drop the connection
// silently per the failure semantics in spec.md §7, rather than crash the
// driver loop.
func Decode(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Message{}, errors.Trace(err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > maxFrameBytes {
		return Message{}, errors.Annotatef(errors.ErrMalformedFrame, "implausible frame length: %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, errors.Annotatef(errors.ErrMalformedFrame, "truncated frame body: %v", err)
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, errors.Annotatef(errors.ErrMalformedFrame, "bad message body: %v", err)
	}
	if m.Type < MsgAppendEntries || m.Type > MsgPromoteAck {
		return Message{}, errors.Annotatef(errors.ErrMalformedFrame, "unknown message type: %d", m.Type)
	}
	return m, nil
}
