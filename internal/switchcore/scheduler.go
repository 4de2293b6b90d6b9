package switchcore

import (
	"context"
	"io"
	"sync"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/recovery"
)

// MaxParallelDials caps the number of outbound FSM-O connections dialing at
// once across every peer (spec §4.6).
const MaxParallelDials = 10

// dialRequest is one caller's request to reach protocol on a peer, queued
// behind whichever connection attempt currently owns that peer.
type dialRequest struct {
	protocol string
	result   chan dialResult
}

type dialResult struct {
	stream io.ReadWriteCloser
	err    error
}

// fsmRequest is one caller's DialFSM call, queued the same way as a
// dialRequest but wanting the Conn itself rather than a handshaked
// substream (spec §3's DialRequest.useFSM).
type fsmRequest struct {
	result chan fsmResult
}

type fsmResult struct {
	conn *Conn
	err  error
}

// PerPeerQueue owns at most one in-flight FSM-O connection to a given peer,
// coalescing every Dial/DialFSM call that arrives while that connection is
// still being established. Once the connection reaches MUXED or CONNECTED,
// every queued protocol request replays its handshake and every queued FSM
// request receives the Conn directly, both in FIFO order (spec §4.6).
type PerPeerQueue struct {
	mu         sync.Mutex
	conn       *Conn
	dialing    bool
	aborted    bool
	pending    []*dialRequest
	fsmPending []*fsmRequest
}

// DialScheduler is the Switch's global dial coalescer: a FIFO of per-peer
// queues gated by a MaxParallelDials semaphore, so a burst of dials to many
// peers doesn't open more than MaxParallelDials physical connections at
// once, while multiple dials to the same peer share one connection attempt.
type DialScheduler struct {
	sw *Switch

	sem chan struct{}

	mu     sync.Mutex
	queues map[identity.PeerId]*PerPeerQueue

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newDialScheduler(sw *Switch) *DialScheduler {
	return &DialScheduler{
		sw:     sw,
		sem:    make(chan struct{}, MaxParallelDials),
		queues: make(map[identity.PeerId]*PerPeerQueue),
		stopCh: make(chan struct{}),
	}
}

func (d *DialScheduler) start() {}

func (d *DialScheduler) stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.Abort()
	})
}

// Abort cancels every PerPeerQueue (spec §4.6/§5's abort() operation):
// every request queued behind an in-flight dial fails with ErrAborted, and
// in-flight FSM-O instances still in DIALING or PRIVATIZING are driven
// through the abort edge directly. A connection that has already
// progressed past PRIVATIZING can't take that edge (state.go's
// outboundTransitions don't define it from ENCRYPTING onward), so it is left to
// run to its own completion; runQueue disconnects it instead of handing it
// back to anyone once that completion arrives, since every request that
// would have claimed it has already been failed here.
func (d *DialScheduler) Abort() {
	d.mu.Lock()
	queues := make([]*PerPeerQueue, 0, len(d.queues))
	for id, q := range d.queues {
		queues = append(queues, q)
		delete(d.queues, id)
	}
	d.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.aborted = true
		c := q.conn
		pending := q.pending
		fsmPending := q.fsmPending
		q.pending = nil
		q.fsmPending = nil
		q.mu.Unlock()

		if c != nil {
			_ = c.Abort()
		}
		for _, req := range pending {
			req.result <- dialResult{err: ErrAborted}
		}
		for _, req := range fsmPending {
			req.result <- fsmResult{err: ErrAborted}
		}
	}
}

// dial is the Switch's Dial operation: reuse a live connection to peer if
// one exists, otherwise join (or start) its PerPeerQueue's dial attempt and
// wait for a protocol handshake to complete over whatever connection
// results.
func (d *DialScheduler) dial(ctx context.Context, peer *identity.PeerInfo, protocol string) (io.ReadWriteCloser, error) {
	if existing := d.sw.lookupConn(peer.Id); existing != nil {
		return existing.Shake(ctx, protocol)
	}

	d.mu.Lock()
	q, ok := d.queues[peer.Id]
	if !ok {
		q = &PerPeerQueue{}
		d.queues[peer.Id] = q
	}
	d.mu.Unlock()

	req := &dialRequest{protocol: protocol, result: make(chan dialResult, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	owns := !q.dialing
	if owns {
		q.dialing = true
	}
	q.mu.Unlock()

	if owns {
		go d.runQueue(ctx, peer, q)
	}

	select {
	case res := <-req.result:
		return res.stream, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dialFSM is the Switch's DialFSM operation (spec §3/§6's useFSM=true
// path): reuse a live connection to peer if one exists, otherwise join (or
// start) its PerPeerQueue's dial attempt and wait for the Conn itself
// instead of a protocol handshake.
func (d *DialScheduler) dialFSM(ctx context.Context, peer *identity.PeerInfo) (*Conn, error) {
	if existing := d.sw.lookupConn(peer.Id); existing != nil {
		return existing, nil
	}

	d.mu.Lock()
	q, ok := d.queues[peer.Id]
	if !ok {
		q = &PerPeerQueue{}
		d.queues[peer.Id] = q
	}
	d.mu.Unlock()

	req := &fsmRequest{result: make(chan fsmResult, 1)}

	q.mu.Lock()
	q.fsmPending = append(q.fsmPending, req)
	owns := !q.dialing
	if owns {
		q.dialing = true
	}
	q.mu.Unlock()

	if owns {
		go d.runQueue(ctx, peer, q)
	}

	select {
	case res := <-req.result:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runQueue drives exactly one FSM-O connection attempt for peer, then
// replays every request that queued up behind it.
func (d *DialScheduler) runQueue(ctx context.Context, peer *identity.PeerInfo, q *PerPeerQueue) {
	defer recovery.RecoverWithLog(d.sw.deps.logger, "switchcore.runQueue")
	select {
	case d.sem <- struct{}{}:
	case <-d.stopCh:
		d.mu.Lock()
		delete(d.queues, peer.Id)
		d.mu.Unlock()
		d.failAll(q, ErrSwitchNotStarted)
		return
	}
	defer func() { <-d.sem }()

	c := newOutboundConn(d.sw, peer)
	q.mu.Lock()
	q.conn = c
	q.mu.Unlock()

	err := c.Dial(ctx)
	if err == nil && d.sw.deps.protector != nil {
		err = c.Privatize(ctx)
	}
	if err == nil {
		err = c.Encrypt(ctx)
	}
	if err == nil {
		err = c.Upgrade(ctx)
	}

	d.mu.Lock()
	delete(d.queues, peer.Id)
	d.mu.Unlock()

	if err != nil {
		d.failAll(q, err)
		return
	}

	q.mu.Lock()
	aborted := q.aborted
	pending := q.pending
	fsmPending := q.fsmPending
	q.pending = nil
	q.fsmPending = nil
	q.mu.Unlock()

	if aborted {
		_ = c.Disconnect()
		return
	}

	for _, req := range fsmPending {
		req.result <- fsmResult{conn: c}
	}
	for _, req := range pending {
		stream, serr := c.Shake(ctx, req.protocol)
		req.result <- dialResult{stream: stream, err: serr}
	}
}

func (d *DialScheduler) failAll(q *PerPeerQueue, err error) {
	q.mu.Lock()
	pending := q.pending
	fsmPending := q.fsmPending
	q.pending = nil
	q.fsmPending = nil
	q.mu.Unlock()
	for _, req := range pending {
		req.result <- dialResult{err: err}
	}
	for _, req := range fsmPending {
		req.result <- fsmResult{err: err}
	}
}
