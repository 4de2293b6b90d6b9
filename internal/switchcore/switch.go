package switchcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/postalsys/switchcore/internal/crypto"
	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/logging"
	"github.com/postalsys/switchcore/internal/metrics"
	"github.com/postalsys/switchcore/internal/muxer"
	"github.com/postalsys/switchcore/internal/protocolmux"
	"github.com/postalsys/switchcore/internal/transport"
	"github.com/postalsys/switchcore/internal/transportreg"
)

// lifecycleState is the Switch's own start/stop lifecycle, independent of
// any single connection's FSM state.
type lifecycleState int32

const (
	lifecycleStopped lifecycleState = iota
	lifecycleStarting
	lifecycleStarted
	lifecycleStopping
)

// Switch is the top-level object of spec §3: it owns the transport
// registry, the muxer/protocol tables, and every connection's table entry,
// and fans FSM events out to the configured Observer.
type Switch struct {
	local       *identity.Keypair
	ourPeerInfo *identity.PeerInfo
	deps        *deps
	observer    Observer
	scheduler   *DialScheduler

	mu         sync.RWMutex
	lifecycle  lifecycleState
	listenStop []func() error

	conns      map[identity.PeerId]*Conn // CONNECTED (encrypted, unmuxed)
	muxedConns map[identity.PeerId]*Conn // MUXED
}

// Option configures a Switch at construction.
type Option func(*Switch)

// WithObserver registers an Observer to receive every Switch event (spec
// §6). Without this option, events are silently discarded.
func WithObserver(o Observer) Option {
	return func(s *Switch) { s.observer = o }
}

// WithProtector configures the PRIVATIZING step. Without this option,
// connections go straight from DIALED to ENCRYPTING.
func WithProtector(p crypto.Protector) Option {
	return func(s *Switch) { s.deps.protector = p }
}

// WithHandshaker overrides the default crypto.X25519Handshaker.
func WithHandshaker(h crypto.Handshaker) Option {
	return func(s *Switch) { s.deps.handshaker = h }
}

// WithMuxer appends a muxer Factory to the insertion-order negotiation list
// tried during UPGRADING. Call in preference order; the first call's
// Factory is preferred.
func WithMuxer(f muxer.Factory) Option {
	return func(s *Switch) { s.deps.muxers = append(s.deps.muxers, f) }
}

// WithLogger overrides the default no-op *slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Switch) { s.deps.logger = l }
}

// WithMetrics overrides the default global metrics.Default().
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Switch) { s.deps.metrics = m }
}

// New creates a Switch bound to local's identity, registered against
// transports for outbound dials and inbound listeners.
func New(local *identity.Keypair, transports *transportreg.Registry, opts ...Option) *Switch {
	s := &Switch{
		local:       local,
		ourPeerInfo: identity.NewPeerInfo(local.PeerId()),
		conns:       make(map[identity.PeerId]*Conn),
		muxedConns:  make(map[identity.PeerId]*Conn),
		deps: &deps{
			transports:  transports,
			handshaker:  crypto.NewX25519Handshaker(),
			muxers:      []muxer.Factory{muxer.NewFactory()},
			protocolMux: protocolmux.New(nil),
			metrics:     metrics.Default(),
			logger:      logging.NopLogger(),
		},
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.deps.protocolMux = protocolmux.New(s.deps.metrics)
	s.scheduler = newDialScheduler(s)
	return s
}

func (s *Switch) emit(e SwitchEvent) {
	s.observer.OnSwitchEvent(e)
}

func (s *Switch) registerEncryptedOnly(c *Conn) {
	pi := c.TheirPeerInfo()
	if pi == nil {
		return
	}
	s.mu.Lock()
	s.conns[pi.Id] = c
	s.mu.Unlock()
}

func (s *Switch) registerMuxed(c *Conn) {
	pi := c.TheirPeerInfo()
	if pi == nil {
		return
	}
	s.mu.Lock()
	delete(s.conns, pi.Id)
	s.muxedConns[pi.Id] = c
	s.mu.Unlock()
}

func (s *Switch) removeConn(id identity.PeerId) {
	s.mu.Lock()
	delete(s.conns, id)
	delete(s.muxedConns, id)
	s.mu.Unlock()
}

// lookupConn returns the existing connection for id, preferring the muxed
// table, used by DialScheduler to coalesce a dial against an already-live
// connection.
func (s *Switch) lookupConn(id identity.PeerId) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.muxedConns[id]; ok {
		return c
	}
	return s.conns[id]
}

// OurPeerInfo returns the Switch's own identity/address set.
func (s *Switch) OurPeerInfo() *identity.PeerInfo { return s.ourPeerInfo }

// Start transitions the Switch from STOPPED to STARTED, binding every
// listener address supplied. Calling Start again while STARTED is a no-op
// that returns nil; calling it while STARTING or STOPPING is an error.
func (s *Switch) Start(ctx context.Context, listen []ListenSpec) error {
	s.mu.Lock()
	if s.lifecycle == lifecycleStarted {
		s.mu.Unlock()
		return nil
	}
	if s.lifecycle != lifecycleStopped {
		s.mu.Unlock()
		return fmt.Errorf("switchcore: switch not stopped (currently %v)", s.lifecycle)
	}
	s.lifecycle = lifecycleStarting
	s.mu.Unlock()

	var stops []func() error
	for _, spec := range listen {
		opts := transport.DefaultListenOptions()
		opts.TLSConfig = spec.TLSConfig
		opts.Path = spec.Path
		opts.PlainText = spec.PlainText
		stop, err := s.deps.transports.Listen(ctx, spec.Tag, spec.Addr, opts, func(rs transport.RawStream) {
			s.acceptInbound(ctx, rs)
		})
		if err != nil {
			for _, prev := range stops {
				_ = prev()
			}
			s.mu.Lock()
			s.lifecycle = lifecycleStopped
			s.mu.Unlock()
			return fmt.Errorf("switchcore: listen %s/%s: %w", spec.Tag, spec.Addr, err)
		}
		stops = append(stops, stop)
	}

	s.mu.Lock()
	s.listenStop = stops
	s.lifecycle = lifecycleStarted
	s.mu.Unlock()

	s.scheduler.start()
	s.emit(SwitchEvent{Kind: EventKindStarted})
	return nil
}

// ListenSpec binds one registered transport tag to a listen address. TLS
// transports (QUIC, HTTP/2) require TLSConfig to be set.
type ListenSpec struct {
	Tag       string
	Addr      string
	TLSConfig *tls.Config
	Path      string
	PlainText bool
}

func (s *Switch) acceptInbound(ctx context.Context, rs transport.RawStream) {
	c := newInboundConn(s, rs)
	c.Run(ctx)
}

// Stop transitions the Switch from STARTED to STOPPED, closing every
// listener and disconnecting every live connection.
func (s *Switch) Stop() error {
	s.mu.Lock()
	if s.lifecycle != lifecycleStarted {
		s.mu.Unlock()
		return fmt.Errorf("switchcore: switch not started")
	}
	s.lifecycle = lifecycleStopping
	stops := s.listenStop
	var live []*Conn
	for _, c := range s.conns {
		live = append(live, c)
	}
	for _, c := range s.muxedConns {
		live = append(live, c)
	}
	s.mu.Unlock()

	s.scheduler.stop()
	for _, stop := range stops {
		_ = stop()
	}
	for _, c := range live {
		_ = c.Disconnect()
	}

	s.mu.Lock()
	s.lifecycle = lifecycleStopped
	s.mu.Unlock()
	s.emit(SwitchEvent{Kind: EventKindStopped})
	return nil
}

// Dial establishes (or reuses) a connection to peer and runs a protocol
// handshake over it, via the DialScheduler's coalescing queue (spec §4.6).
func (s *Switch) Dial(ctx context.Context, peer *identity.PeerInfo, protocol string) (io.ReadWriteCloser, error) {
	return s.scheduler.dial(ctx, peer, protocol)
}

// DialFSM is Dial's FSM-surfacing variant (spec §3's DialRequest.useFSM):
// instead of a protocol-handshaked substream, the caller receives the
// underlying Conn once it reaches MUXED/CONNECTED, free to call Shake
// itself any number of times or inspect the connection's state directly.
func (s *Switch) DialFSM(ctx context.Context, peer *identity.PeerInfo) (*Conn, error) {
	return s.scheduler.dialFSM(ctx, peer)
}

// HangUp disconnects the live connection to id, if any.
func (s *Switch) HangUp(id identity.PeerId) error {
	c := s.lookupConn(id)
	if c == nil {
		return fmt.Errorf("switchcore: no connection to peer %s", id.ShortString())
	}
	return c.Disconnect()
}

// Handle registers a protocol handler, dispatched whenever a peer's
// negotiated substream or unmuxed connection selects protocolID.
func (s *Switch) Handle(protocolID string, handler protocolmux.HandlerFunc) {
	s.deps.protocolMux.AddHandler(protocolID, handler)
}

// HandleMatch is Handle's matcher-based variant (spec's versioned
// protocol case).
func (s *Switch) HandleMatch(protocolID string, match func(string) bool, handler protocolmux.HandlerFunc) {
	s.deps.protocolMux.AddHandlerWithMatcher(protocolID, match, handler)
}

// Unhandle removes a previously registered protocol handler.
func (s *Switch) Unhandle(protocolID string) {
	s.deps.protocolMux.RemoveHandler(protocolID)
}
