package switchcore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/postalsys/switchcore/internal/crypto"
	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/muxer"
	"github.com/postalsys/switchcore/internal/negotiator"
	"github.com/postalsys/switchcore/internal/observertap"
	"github.com/postalsys/switchcore/internal/recovery"
	"github.com/postalsys/switchcore/internal/transport"
	"github.com/postalsys/switchcore/internal/transportreg"
)

// Conn drives one connection's FSM-O (dialer) or FSM-I (listener) graph from
// spec §4.4/§4.5. Both sides share almost every entry action; isDialer picks
// between outboundTransitions/inboundTransitions and the handful of entry
// actions the two graphs genuinely diverge on (DIALING exists only for
// FSM-O; ENCRYPTING/UPGRADING's failure handling differs per DESIGN NOTES
// §9).
type Conn struct {
	isDialer bool
	table    transitionTable
	deps     *deps
	sw       *Switch

	local         *identity.Keypair
	ourPeerInfo   *identity.PeerInfo
	theirPeerInfo *identity.PeerInfo

	mu           sync.Mutex
	state        State
	rawStream    transport.RawStream
	secureStream crypto.SecureStream
	mux          muxer.Muxer
	triedCircuit bool
	lastErr      error

	doneOnce sync.Once
	doneCh   chan struct{}
}

func newConn(sw *Switch, isDialer bool, theirPeerInfo *identity.PeerInfo) *Conn {
	table := inboundTransitions
	state := StateDialed
	if isDialer {
		table = outboundTransitions
		state = StateDisconnected
	}
	return &Conn{
		isDialer:      isDialer,
		table:         table,
		deps:          sw.deps,
		sw:            sw,
		local:         sw.local,
		ourPeerInfo:   sw.ourPeerInfo,
		theirPeerInfo: theirPeerInfo,
		state:         state,
		doneCh:        make(chan struct{}),
	}
}

// State returns the connection's current FSM state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TheirPeerInfo returns the remote peer identity, known from construction
// for a dialed Conn or learned during ENCRYPTING for an accepted one.
func (c *Conn) TheirPeerInfo() *identity.PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.theirPeerInfo
}

// Mux returns the connection's Muxer, or nil if it never reached MUXED.
func (c *Conn) Mux() muxer.Muxer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}

// Done is closed once the connection reaches DISCONNECTED.
func (c *Conn) Done() <-chan struct{} { return c.doneCh }

func (c *Conn) transition(event string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	to, ok := c.table.next(c.state, event)
	if !ok {
		return c.state, &ErrInvalidTransition{From: c.state.String(), Event: event}
	}
	c.state = to
	return to, nil
}

func (c *Conn) emitError(err error) {
	pid := identity.PeerId{}
	if pi := c.TheirPeerInfo(); pi != nil {
		pid = pi.Id
	}
	c.sw.emit(SwitchEvent{Kind: EventKindError, PeerID: pid, Err: err})
}

// fail records err, takes whichever path the current graph offers to a
// terminal disconnect (FSM-O passes through ERRORED; FSM-I's graph has no
// such state and disconnects directly, per DESIGN NOTES §9), and runs the
// DISCONNECTING entry action. Invalid-transition errors from a fail() that
// races a concurrent Abort()/Disconnect() are logged and absorbed rather
// than panicking — the connection is already on its way down.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.emitError(err)

	if c.isDialer {
		if _, terr := c.transition(EventError); terr != nil {
			c.deps.logger.Debug("switchcore: fail: invalid transition to errored", "error", terr)
		}
	}
	if _, terr := c.transition(EventDisconnect); terr != nil {
		c.deps.logger.Debug("switchcore: fail: invalid transition to disconnecting", "error", terr)
		return
	}
	c.runDisconnecting()
}

// Privatize runs the PRIVATIZING entry action: wraps the RawStream with the
// configured Protector before anything is negotiated over it. Callers skip
// this step entirely (going straight from DIALED/ENCRYPTED's sibling edge to
// ENCRYPTING) when no Protector is configured.
func (c *Conn) Privatize(ctx context.Context) error {
	if _, err := c.transition(EventPrivatize); err != nil {
		return err
	}
	c.mu.Lock()
	rs := c.rawStream
	c.mu.Unlock()

	protected, err := c.deps.protector.Protect(ctx, rs)
	if err != nil {
		c.fail(fmt.Errorf("switchcore: privatize: %w", maybeUnexpectedEnd(err)))
		return err
	}
	c.mu.Lock()
	c.rawStream = protected
	c.mu.Unlock()

	if _, err := c.transition(EventDone); err != nil {
		return err
	}
	return nil
}

// Encrypt runs the ENCRYPTING entry action: negotiates the crypto handshake
// protocol, re-taps the RawStream keyed by (null, crypto.tag), and runs the
// handshake to produce an authenticated SecureStream.
func (c *Conn) Encrypt(ctx context.Context) error {
	if _, err := c.transition(EventEncrypt); err != nil {
		return err
	}
	c.mu.Lock()
	rs := c.rawStream
	c.mu.Unlock()

	var negotiated string
	var err error
	if c.isDialer {
		negotiated, err = negotiator.SelectOne(rs, crypto.HandshakeProtocolID)
	} else {
		n := negotiator.New()
		n.AddHandler(crypto.HandshakeProtocolID)
		negotiated, err = n.Handle(rs)
	}
	if err != nil {
		c.fail(fmt.Errorf("switchcore: negotiate crypto handshake: %w", maybeUnexpectedEnd(err)))
		return err
	}

	tapped := observertap.WrapRawStream(rs, c.deps.metrics, "", negotiated)
	start := time.Now()
	ss, err := c.deps.handshaker.Handshake(ctx, tapped, c.local)
	if err != nil {
		c.deps.metrics.RecordHandshakeError("handshake_failed")
		c.fail(fmt.Errorf("switchcore: crypto handshake: %w", maybeUnexpectedEnd(err)))
		return err
	}
	c.deps.metrics.RecordHandshake(time.Since(start).Seconds())

	c.mu.Lock()
	if c.isDialer && c.theirPeerInfo != nil && !c.theirPeerInfo.Id.Equal(ss.RemotePeerInfo().Id) {
		c.mu.Unlock()
		err := fmt.Errorf("switchcore: crypto handshake: remote identity %s does not match dialed peer %s",
			ss.RemotePeerInfo().Id.ShortString(), c.theirPeerInfo.Id.ShortString())
		c.deps.metrics.RecordHandshakeError("identity_mismatch")
		c.fail(err)
		return err
	}
	if !c.isDialer {
		c.theirPeerInfo = ss.RemotePeerInfo()
	}
	c.secureStream = ss
	c.mu.Unlock()

	c.deps.metrics.RecordConnectionEncrypted()
	if _, err := c.transition(EventDone); err != nil {
		return err
	}
	return nil
}

// Upgrade runs the UPGRADING entry action: negotiates a muxer implementation
// in insertion order and, on success, installs it and starts the accept
// pump that feeds incoming substreams to the ProtocolMuxer. A dialer that
// cannot negotiate any shared muxer falls through to CONNECTED (spec's
// explicit "stop" branch); a listener disconnects instead, since FSM-I's
// graph has no equivalent fallback state.
func (c *Conn) Upgrade(ctx context.Context) error {
	if _, err := c.transition(EventUpgrade); err != nil {
		return err
	}
	c.mu.Lock()
	ss := c.secureStream
	c.mu.Unlock()

	tags := c.deps.muxerTags()
	if len(tags) == 0 {
		return c.settleUnmuxed(ErrNoMuxersRegistered)
	}

	var tag string
	var err error
	if c.isDialer {
		tag, err = negotiator.SelectOne(ss, tags...)
	} else {
		n := negotiator.New()
		for _, t := range tags {
			n.AddHandler(t)
		}
		tag, err = n.Handle(ss)
	}
	if err != nil {
		return c.settleUnmuxed(err)
	}

	factory := c.deps.muxerByTag(tag)
	if factory == nil {
		return c.settleUnmuxed(fmt.Errorf("switchcore: negotiated unknown muxer tag %q", tag))
	}

	wrapped := observertap.WrapSecureStream(ss, c.deps.metrics, tag)
	m, err := factory.New(wrapped, c.isDialer)
	if err != nil {
		c.fail(fmt.Errorf("switchcore: construct muxer %q: %w", tag, err))
		return err
	}

	c.mu.Lock()
	c.mux = m
	c.mu.Unlock()
	c.deps.metrics.RecordMuxerRegistered()
	c.deps.metrics.RecordConnectionMuxed()

	if _, err := c.transition(EventDone); err != nil {
		return err
	}
	c.sw.registerMuxed(c)
	c.sw.emit(SwitchEvent{Kind: EventKindPeerMuxEstablished, PeerID: c.TheirPeerInfo().Id})
	go c.pumpSubstreams(m)
	return nil
}

// settleUnmuxed handles UPGRADING's failure-to-negotiate-a-muxer case: a
// dialer stops at CONNECTED (spec's explicit unmuxed fallback), a listener
// disconnects since FSM-I has no CONNECTED branch from UPGRADING.
func (c *Conn) settleUnmuxed(cause error) error {
	if !c.isDialer {
		c.fail(fmt.Errorf("switchcore: upgrade: %w", maybeUnexpectedEnd(cause)))
		return cause
	}
	if _, err := c.transition(EventStop); err != nil {
		return err
	}
	c.deps.metrics.RecordConnectionOutcome("outbound", "unmuxed")
	c.sw.registerEncryptedOnly(c)
	return nil
}

// pumpSubstreams feeds every substream the peer opens to the ProtocolMuxer,
// until the Muxer's Done channel closes.
func (c *Conn) pumpSubstreams(m muxer.Muxer) {
	defer recovery.RecoverWithLog(c.deps.logger, "switchcore.pumpSubstreams")
	ctx := context.Background()
	for {
		sub, err := m.Accept(ctx)
		if err != nil {
			return
		}
		c.deps.metrics.RecordSubstreamOpen()
		wrapped := observertap.WrapSubstream(sub, c.deps.metrics, "")
		go func() {
			defer recovery.RecoverWithLog(c.deps.logger, "switchcore.substreamHandler")
			defer c.deps.metrics.RecordSubstreamClose()
			if err := c.deps.protocolMux.Handle(wrapped, c.TheirPeerInfo()); err != nil {
				c.deps.logger.Debug("switchcore: inbound substream handling failed", "error", err)
			}
		}()
	}
}

// Shake runs spec §4.4's protocol handshake: open a substream (if the
// connection muxed) or reuse the bare SecureStream (if it settled at
// CONNECTED) and negotiate protocol over it.
func (c *Conn) Shake(ctx context.Context, protocol string) (io.ReadWriteCloser, error) {
	c.mu.Lock()
	m := c.mux
	ss := c.secureStream
	c.mu.Unlock()

	if m != nil {
		sub, err := m.OpenStream(ctx)
		if err != nil {
			return nil, fmt.Errorf("switchcore: open substream: %w", maybeUnexpectedEnd(err))
		}
		sub.SetPeerInfo(c.TheirPeerInfo())
		_, wrapped, err := c.deps.protocolMux.Dial(ctx, sub, protocol)
		if err != nil {
			sub.Close()
			return nil, err
		}
		return wrapped, nil
	}

	if ss == nil {
		return nil, fmt.Errorf("switchcore: shake: connection is not encrypted")
	}
	_, wrapped, err := c.deps.protocolMux.Dial(ctx, ss, protocol)
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// Disconnect runs the DISCONNECTING entry action from whichever state the
// connection is currently in, if the graph allows it.
func (c *Conn) Disconnect() error {
	if _, err := c.transition(EventDisconnect); err != nil {
		return err
	}
	c.runDisconnecting()
	return nil
}

// Abort cancels a Conn still in DIALING or PRIVATIZING (FSM-O only). The
// caller is responsible for cancelling whatever ctx the blocking Dial()/
// Privatize() call is using; Abort only records the FSM transition.
func (c *Conn) Abort() error {
	_, err := c.transition(EventAbort)
	if err != nil {
		return err
	}
	c.doneOnce.Do(func() { close(c.doneCh) })
	return nil
}

func (c *Conn) runDisconnecting() {
	c.mu.Lock()
	theirPI := c.theirPeerInfo
	m := c.mux
	ss := c.secureStream
	rs := c.rawStream
	c.mu.Unlock()

	if theirPI != nil {
		theirPI.Disconnect()
		c.sw.removeConn(theirPI.Id)
	}

	hadMux := m != nil
	switch {
	case m != nil:
		_ = m.Close()
		c.deps.metrics.RecordMuxerClosed()
	case ss != nil:
		_ = ss.Close()
	case rs != nil:
		_ = rs.Close()
	}

	c.deps.metrics.RecordDisconnect("disconnect", hadMux)
	if hadMux && theirPI != nil {
		go func() {
			defer recovery.RecoverWithLog(c.deps.logger, "switchcore.emitPeerMuxClosed")
			c.sw.emit(SwitchEvent{Kind: EventKindPeerMuxClosed, PeerID: theirPI.Id})
		}()
	}

	if _, err := c.transition(EventDone); err != nil {
		c.deps.logger.Debug("switchcore: disconnecting: invalid transition to disconnected", "error", err)
	}
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// circuitAddr builds the one-shot circuit-relay address FSM-O's DIALING
// entry appends to a peer's address set once every direct transport has
// failed (spec §4.4).
func circuitAddr(id identity.PeerId) (ma.Multiaddr, error) {
	return ma.NewMultiaddr(fmt.Sprintf("/%s/ipfs/%s", transportreg.CircuitTag, id.String()))
}
