package raft

import (
	"time"

	"github.com/kuntdari/raft-for-EC2/internal/config"
	raerrors "github.com/kuntdari/raft-for-EC2/internal/errors"
	"github.com/kuntdari/raft-for-EC2/internal/logging"
	"github.com/kuntdari/raft-for-EC2/internal/metrics"
	"github.com/kuntdari/raft-for-EC2/internal/store"
	"github.com/kuntdari/raft-for-EC2/internal/transport"
)

// PeerAddr pairs a peer id with the address the transport dials to
// reach it.
type PeerAddr struct {
	ID   uint64
	Addr string
}

// Node is the driver loop itself: spec.md §2's "serialize all state
// transitions through a single logical agent that consumes inbound
// messages and timer ticks." It is the only thing that ever calls into
// a Raft core, so all of that core's state is effectively
// single-threaded even though Transport reads/writes concurrently at
// the I/O boundary (spec.md §5).
type Node struct {
	core      *Raft
	scheduler *Scheduler
	transport *transport.Transport
	logger    *logging.Logger

	proposeCh chan proposeRequest
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type proposeRequest struct {
	payload []byte
	result  chan proposeResult
}

type proposeResult struct {
	index uint64
	err   error
}

// NewNode wires a Raft core to tr, registering every peer address with
// the transport, and returns a Node ready for Run.
func NewNode(id uint64, peerAddrs []PeerAddr, st store.Store, cfg config.Config, tr *transport.Transport, sink metrics.Sink, logger *logging.Logger) (*Node, error) {
	peerIDs := make([]uint64, 0, len(peerAddrs))
	for _, p := range peerAddrs {
		peerIDs = append(peerIDs, p.ID)
	}
	core, err := New(id, peerIDs, st, cfg, logger, sink)
	if err != nil {
		return nil, err
	}
	for _, p := range peerAddrs {
		tr.AddPeer(p.ID, p.Addr)
	}
	return &Node{
		core:      core,
		scheduler: NewScheduler(cfg, time.Now().UnixNano()+int64(id)),
		transport: tr,
		logger:    logger,
		proposeCh: make(chan proposeRequest),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Propose submits payload to the driver loop for the leader to append
// (spec.md §5's "external admin command"). It blocks until the loop
// has applied the request and returns ErrNotLeader if this node isn't
// the leader.
func (n *Node) Propose(payload []byte) (uint64, error) {
	req := proposeRequest{payload: payload, result: make(chan proposeResult, 1)}
	select {
	case n.proposeCh <- req:
	case <-n.doneCh:
		return 0, raerrors.New("node: driver loop stopped")
	}
	res := <-req.result
	return res.index, res.err
}

// Status returns a snapshot of the node's consensus state.
func (n *Node) Status() Status {
	return n.core.Status()
}

// Stop requests the driver loop to exit and waits for it to do so.
func (n *Node) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

// Run is the driver loop: it pulls one event at a time (inbound frame,
// timer expiry, or propose request) and applies it to completion
// before dequeuing the next (spec.md §5). Call it in its own
// goroutine; it returns once Stop is called or the core hits a fatal
// error (e.g. a log store failure, per §4.6).
func (n *Node) Run() {
	defer close(n.doneCh)

	armedEpoch := n.core.RoleEpoch()
	timer := time.NewTimer(n.scheduler.Interval(n.core))
	defer timer.Stop()

	var heartbeat *time.Ticker
	if n.core.role == RoleLeader {
		heartbeat = time.NewTicker(time.Duration(n.core.cfg.HeartbeatIntervalMs) * time.Millisecond)
	}
	defer func() {
		if heartbeat != nil {
			heartbeat.Stop()
		}
	}()

	// rearm resets the election/promotion deadline only when the role
	// epoch actually advanced since it was last armed. A stream of
	// invalid or stale-term messages leaves the epoch untouched, so it
	// must not rearm the timer: doing so would let a partitioned old
	// leader or candidate indefinitely suppress this node's own
	// election or instant-promotion attempt (spec.md §4.1).
	rearm := func() {
		epoch := n.core.RoleEpoch()
		if epoch == armedEpoch {
			return
		}
		armedEpoch = epoch
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(n.scheduler.Interval(n.core))

		wantHeartbeat := n.core.role == RoleLeader
		switch {
		case wantHeartbeat && heartbeat == nil:
			heartbeat = time.NewTicker(time.Duration(n.core.cfg.HeartbeatIntervalMs) * time.Millisecond)
		case !wantHeartbeat && heartbeat != nil:
			heartbeat.Stop()
			heartbeat = nil
		}
	}

	for {
		var heartbeatC <-chan time.Time
		if heartbeat != nil {
			heartbeatC = heartbeat.C
		}

		select {
		case <-n.stopCh:
			return

		case in := <-n.transport.Inbound():
			if err := n.core.Step(in.Msg); err != nil {
				n.logger.Errorf("step failed, stopping: %v", err)
				return
			}
			n.flush()
			rearm()

		case <-timer.C:
			if armedEpoch != n.core.RoleEpoch() {
				// Stale firing from a prior role-epoch: discard
				// silently (spec.md §5 "Cancellation", §9 "Timer
				// epoching").
				rearm()
				continue
			}
			if err := n.core.TickElection(); err != nil {
				n.logger.Errorf("tick election failed, stopping: %v", err)
				return
			}
			n.flush()
			rearm()

		case <-heartbeatC:
			if err := n.core.TickHeartbeat(); err != nil {
				n.logger.Errorf("tick heartbeat failed, stopping: %v", err)
				return
			}
			n.flush()

		case req := <-n.proposeCh:
			index, err := n.core.Propose(req.payload)
			n.flush()
			rearm()
			req.result <- proposeResult{index: index, err: err}
		}
	}
}

func (n *Node) flush() {
	for _, out := range n.core.TakeOutbound() {
		n.transport.Send(out.To, out.Msg)
	}
}
