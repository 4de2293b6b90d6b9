package switchcore

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/muxer"
	"github.com/postalsys/switchcore/internal/transportreg"
)

func TestSwitchDialHandshakesAndDispatchesProtocol(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := newLoopbackTransport("ws")
	dialer, _ := newTestSwitch(t, tr)
	listener, listenerKp := newTestSwitch(t, tr)

	const proto = "/switchcore-test/echo/1.0.0"
	received := make(chan string, 1)
	listener.Handle(proto, func(protocol string, stream io.ReadWriteCloser, peerInfo *identity.PeerInfo) {
		buf := make([]byte, 5)
		io.ReadFull(stream, buf)
		received <- string(buf)
		stream.Close()
	})

	if err := listener.Start(ctx, []ListenSpec{{Tag: "ws", Addr: ":0"}}); err != nil {
		t.Fatalf("listener.Start() error = %v", err)
	}
	defer listener.Stop()

	bPeer := identity.NewPeerInfo(listenerKp.PeerId(), addrFor(listenerKp, t))

	stream, err := dialer.Dial(ctx, bPeer, proto)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("listener received %q, want %q", got, "hello")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for listener to receive payload")
	}

	if dialer.lookupConn(listenerKp.PeerId()) == nil {
		t.Fatal("dialer has no registered connection to the listener peer")
	}
}

func TestSwitchDialCoalescesConcurrentRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := newLoopbackTransport("ws")
	dialer, _ := newTestSwitch(t, tr)
	listener, listenerKp := newTestSwitch(t, tr)

	const proto = "/switchcore-test/echo/1.0.0"
	var handled atomic.Int32
	listener.Handle(proto, func(protocol string, stream io.ReadWriteCloser, peerInfo *identity.PeerInfo) {
		handled.Add(1)
		stream.Close()
	})

	if err := listener.Start(ctx, []ListenSpec{{Tag: "ws", Addr: ":0"}}); err != nil {
		t.Fatalf("listener.Start() error = %v", err)
	}
	defer listener.Stop()

	bPeer := identity.NewPeerInfo(listenerKp.PeerId(), addrFor(listenerKp, t))

	const concurrency = 5
	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := dialer.Dial(ctx, bPeer, proto)
			if err != nil {
				errs <- err
				return
			}
			stream.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Dial() error = %v", err)
	}

	if got := tr.dials(); got != 1 {
		t.Fatalf("transport dial count = %d, want 1 (coalesced)", got)
	}
	// Allow the listener's handler goroutines (spawned by pumpSubstreams)
	// a moment to run.
	deadline := time.After(2 * time.Second)
	for handled.Load() < concurrency {
		select {
		case <-deadline:
			t.Fatalf("handled = %d, want %d", handled.Load(), concurrency)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConnDialSelfStaysDisconnected(t *testing.T) {
	tr := newLoopbackTransport("ws")
	sw, kp := newTestSwitch(t, tr)

	self := identity.NewPeerInfo(kp.PeerId(), addrFor(kp, t))
	c := newOutboundConn(sw, self)

	err := c.Dial(context.Background())
	if err != ErrDialSelf {
		t.Fatalf("Dial() error = %v, want ErrDialSelf", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("State() = %v, want DISCONNECTED", c.State())
	}
}

func TestConnDialFallsBackAcrossTransports(t *testing.T) {
	failing := newLoopbackTransport("quic")
	failing.dialErr = io.ErrClosedPipe
	working := newLoopbackTransport("ws")

	remoteKp, _ := identity.GenerateKeypair()
	kp, _ := identity.GenerateKeypair()

	reg := transportreg.New(nil)
	// Register the failing transport first so AvailableTransports (which
	// follows registration order) tries it before the working one.
	reg.Add("quic", failing, 0, 0)
	reg.Add("ws", working, 0, 0)
	sw := New(kp, reg)

	remote := identity.NewPeerInfo(remoteKp.PeerId(),
		mustMultiaddr(t, "/quic/ip4/127.0.0.1/udp/9002"),
		mustMultiaddr(t, "/ws/ip4/127.0.0.1/tcp/9001"),
	)

	c := newOutboundConn(sw, remote)
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if c.State() != StateDialed {
		t.Fatalf("State() = %v, want DIALED", c.State())
	}
	if failing.dials() != 1 || working.dials() != 1 {
		t.Fatalf("dial counts = quic:%d ws:%d, want 1 and 1", failing.dials(), working.dials())
	}
}

func TestConnDialFallsBackToCircuitExactlyOnce(t *testing.T) {
	failing := newLoopbackTransport("quic")
	failing.dialErr = io.ErrClosedPipe
	circuit := newLoopbackTransport("p2p-circuit")

	remoteKp, _ := identity.GenerateKeypair()
	sw, _ := newTestSwitch(t, newLoopbackTransport("unused"))
	sw.deps.transports.Add("quic", failing, 0, 0)
	sw.deps.transports.Add("p2p-circuit", circuit, 0, 0)

	remote := identity.NewPeerInfo(remoteKp.PeerId(),
		mustMultiaddr(t, "/quic/ip4/127.0.0.1/udp/9002"),
	)

	c := newOutboundConn(sw, remote)
	if err := c.Dial(context.Background()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if circuit.dials() != 1 {
		t.Fatalf("circuit dial count = %d, want 1", circuit.dials())
	}
	if !remote.HasAddr(mustMultiaddr(t, "/p2p-circuit/ipfs/"+remoteKp.PeerId().String())) {
		t.Fatal("expected circuit address to be recorded on the peer")
	}
}

func TestConnUpgradeFallsBackToConnectedWhenUnmuxable(t *testing.T) {
	tr := newLoopbackTransport("ws")
	dialer, _ := newTestSwitch(t, tr)
	listener, listenerKp := newTestSwitch(t, tr)

	// Replace the listener's muxer list with one whose tag never matches
	// what the dialer offers, forcing negotiation to fail cleanly.
	listener.deps.muxers = []muxer.Factory{otherTagMuxerFactory{}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := listener.Start(ctx, []ListenSpec{{Tag: "ws", Addr: ":0"}}); err != nil {
		t.Fatalf("listener.Start() error = %v", err)
	}
	defer listener.Stop()

	remote := identity.NewPeerInfo(listenerKp.PeerId(), addrFor(listenerKp, t))
	c := newOutboundConn(dialer, remote)

	if err := c.Dial(ctx); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := c.Encrypt(ctx); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	_ = c.Upgrade(ctx)

	if c.State() != StateConnected {
		t.Fatalf("State() = %v, want CONNECTED", c.State())
	}
	if dialer.lookupConn(listenerKp.PeerId()) == nil {
		t.Fatal("expected unmuxed connection to be registered in conns")
	}
}

func TestSwitchDialFSMReturnsConn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := newLoopbackTransport("ws")
	dialer, _ := newTestSwitch(t, tr)
	listener, listenerKp := newTestSwitch(t, tr)

	if err := listener.Start(ctx, []ListenSpec{{Tag: "ws", Addr: ":0"}}); err != nil {
		t.Fatalf("listener.Start() error = %v", err)
	}
	defer listener.Stop()

	bPeer := identity.NewPeerInfo(listenerKp.PeerId(), addrFor(listenerKp, t))

	c, err := dialer.DialFSM(ctx, bPeer)
	if err != nil {
		t.Fatalf("DialFSM() error = %v", err)
	}
	if c == nil {
		t.Fatal("DialFSM() returned a nil Conn")
	}
	if c.State() != StateMuxed && c.State() != StateConnected {
		t.Fatalf("State() = %v, want MUXED or CONNECTED", c.State())
	}
	if dialer.lookupConn(listenerKp.PeerId()) != c {
		t.Fatal("DialFSM's Conn is not the one registered in the dialer's tables")
	}

	const proto = "/switchcore-test/echo/1.0.0"
	received := make(chan string, 1)
	listener.Handle(proto, func(protocol string, stream io.ReadWriteCloser, peerInfo *identity.PeerInfo) {
		buf := make([]byte, 5)
		io.ReadFull(stream, buf)
		received <- string(buf)
		stream.Close()
	})

	stream, err := c.Shake(ctx, proto)
	if err != nil {
		t.Fatalf("Shake() error = %v", err)
	}
	defer stream.Close()
	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("listener received %q, want %q", got, "hello")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for listener to receive payload")
	}
}

func TestSwitchDialAndDialFSMCoalesceToOneConn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr := newLoopbackTransport("ws")
	dialer, _ := newTestSwitch(t, tr)
	listener, listenerKp := newTestSwitch(t, tr)

	const proto = "/switchcore-test/echo/1.0.0"
	listener.Handle(proto, func(protocol string, stream io.ReadWriteCloser, peerInfo *identity.PeerInfo) {
		stream.Close()
	})

	if err := listener.Start(ctx, []ListenSpec{{Tag: "ws", Addr: ":0"}}); err != nil {
		t.Fatalf("listener.Start() error = %v", err)
	}
	defer listener.Stop()

	bPeer := identity.NewPeerInfo(listenerKp.PeerId(), addrFor(listenerKp, t))

	var wg sync.WaitGroup
	var fsmConn *Conn
	var fsmErr, dialErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		fsmConn, fsmErr = dialer.DialFSM(ctx, bPeer)
	}()
	go func() {
		defer wg.Done()
		var stream io.ReadWriteCloser
		stream, dialErr = dialer.Dial(ctx, bPeer, proto)
		if stream != nil {
			stream.Close()
		}
	}()
	wg.Wait()

	if fsmErr != nil {
		t.Fatalf("DialFSM() error = %v", fsmErr)
	}
	if dialErr != nil {
		t.Fatalf("Dial() error = %v", dialErr)
	}
	if tr.dials() != 1 {
		t.Fatalf("transport dial count = %d, want 1 (coalesced)", tr.dials())
	}
	if dialer.lookupConn(listenerKp.PeerId()) != fsmConn {
		t.Fatal("DialFSM's Conn does not match the registered connection")
	}
}

func TestDialSchedulerAbortFailsPendingRequests(t *testing.T) {
	tr := newLoopbackTransport("ws")
	sw, _ := newTestSwitch(t, tr)
	remoteKp, _ := identity.GenerateKeypair()
	remote := identity.NewPeerInfo(remoteKp.PeerId(), addrFor(remoteKp, t))

	// Simulate a connection still DIALING when Abort fires: the Conn takes
	// the dial transition directly, without running a transport dial.
	c := newOutboundConn(sw, remote)
	if _, err := c.transition(EventDial); err != nil {
		t.Fatalf("transition(dial) error = %v", err)
	}

	q := &PerPeerQueue{conn: c, dialing: true}
	dialReq := &dialRequest{protocol: "/test/1.0.0", result: make(chan dialResult, 1)}
	fsmReq := &fsmRequest{result: make(chan fsmResult, 1)}
	q.pending = append(q.pending, dialReq)
	q.fsmPending = append(q.fsmPending, fsmReq)

	sw.scheduler.mu.Lock()
	sw.scheduler.queues[remote.Id] = q
	sw.scheduler.mu.Unlock()

	sw.scheduler.Abort()

	select {
	case res := <-dialReq.result:
		if res.err != ErrAborted {
			t.Fatalf("dialRequest result err = %v, want ErrAborted", res.err)
		}
	default:
		t.Fatal("dialRequest was never resolved by Abort")
	}

	select {
	case res := <-fsmReq.result:
		if res.err != ErrAborted {
			t.Fatalf("fsmRequest result err = %v, want ErrAborted", res.err)
		}
	default:
		t.Fatal("fsmRequest was never resolved by Abort")
	}

	if c.State() != StateAborted {
		t.Fatalf("Conn.State() = %v, want ABORTED", c.State())
	}
}

func TestSwitchStartTwiceIsNoop(t *testing.T) {
	tr := newLoopbackTransport("ws")
	sw, _ := newTestSwitch(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sw.Start(ctx, []ListenSpec{{Tag: "ws", Addr: ":0"}}); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	defer sw.Stop()

	if err := sw.Start(ctx, []ListenSpec{{Tag: "ws", Addr: ":0"}}); err != nil {
		t.Fatalf("second Start() error = %v, want nil (no-op)", err)
	}

	if len(sw.listenStop) != 1 {
		t.Fatalf("listenStop count = %d, want 1 (re-entrant Start must not re-listen)", len(sw.listenStop))
	}
}
