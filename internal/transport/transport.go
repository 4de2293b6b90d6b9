// Package transport provides the RawStream contract switchcore dials and
// listens through, plus concrete QUIC/WebSocket/HTTP-2 adapters.
//
// A RawStream is the raw, unencrypted, unmuxed duplex byte stream for one
// physical connection to a peer — the bottom of the pipeline described in
// DESIGN NOTES: Transport.dial() -> RawStream -> [Protector] -> crypto
// handshake -> SecureStream -> muxer negotiation -> Muxer. Earlier teacher
// code modeled the transport layer itself as multi-stream (PeerConn with
// OpenStream/AcceptStream); that responsibility now belongs entirely to
// internal/muxer, so a Transport here hands back exactly one duplex per
// dial or accept.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/postalsys/switchcore/internal/identity"
)

// Type identifies a registered transport implementation.
type Type string

const (
	TypeQUIC      Type = "quic"
	TypeHTTP2     Type = "h2"
	TypeWebSocket Type = "ws"
)

// Transport dials and listens for RawStreams over one physical protocol.
type Transport interface {
	// Dial opens a RawStream to addr. addr is the transport-specific
	// dial string extracted from a peer's multiaddr (e.g. host:port).
	Dial(ctx context.Context, addr string, opts DialOptions) (RawStream, error)

	// Listen starts accepting RawStreams on addr.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport's registry tag.
	Type() Type

	// Close shuts down any resources the transport holds open (idle
	// connection pools, QUIC transport sockets). It does not close
	// RawStreams or Listeners already handed out.
	Close() error
}

// Listener accepts incoming RawStreams for one Transport.
type Listener interface {
	Accept(ctx context.Context) (RawStream, error)
	Addr() net.Addr
	Close() error
}

// RawStream is one physical duplex connection to a peer, prior to any
// protection, encryption, or muxing. It carries an identity.PeerInfo slot
// that is empty at construction and filled in once the crypto handshake
// authenticates the remote side — the FSM sets this so that later layers
// (ObserverTap, ProtocolMuxer) can resolve "which peer is this" without a
// side channel.
type RawStream interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the stream for writing only.
	CloseWrite() error
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// IsDialer reports whether this side initiated the connection.
	IsDialer() bool
	TransportType() Type

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error

	// SetPeerInfo/PeerInfo let the crypto handshake stamp the
	// authenticated remote identity onto the stream once known.
	SetPeerInfo(pi *identity.PeerInfo)
	PeerInfo() *identity.PeerInfo
}

// DialOptions configures a single Dial call.
type DialOptions struct {
	TLSConfig *tls.Config

	// InsecureSkipVerify skips TLS certificate verification. Safe here
	// because the crypto handshake layer above independently
	// authenticates the remote peer's identity key; this only affects
	// transport-level TLS, not switchcore's trust decision.
	InsecureSkipVerify bool

	Timeout time.Duration

	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// StrictVerify requests real TLS certificate verification instead of
	// the default (InsecureSkipVerify=true), for transports (WebSocket,
	// HTTP/2) that build their own TLS config from this flag rather than
	// taking one directly.
	StrictVerify bool

	// WSSubprotocol overrides DefaultWSSubprotocol for the WebSocket
	// transport; empty disables subprotocol negotiation.
	WSSubprotocol string
}

// ListenOptions configures a Listen call.
type ListenOptions struct {
	TLSConfig  *tls.Config
	Path       string
	MaxStreams int

	// PlainText allows a WebSocket listener without TLS, for use behind a
	// TLS-terminating reverse proxy.
	PlainText bool

	WSSubprotocol string
}

func DefaultDialOptions() DialOptions {
	return DialOptions{Timeout: 30 * time.Second}
}

func DefaultListenOptions() ListenOptions {
	return ListenOptions{MaxStreams: 10000}
}

// StreamIDAllocator hands out collision-free substream IDs for one side of
// a muxed connection: dialers use odd IDs, listeners use even IDs, matching
// the convention a peer on the other end of the wire expects without
// needing to negotiate ID ownership out of band.
type StreamIDAllocator struct {
	next     atomic.Uint64
	isDialer bool
}

func NewStreamIDAllocator(isDialer bool) *StreamIDAllocator {
	start := uint64(2)
	if isDialer {
		start = 1
	}
	a := &StreamIDAllocator{isDialer: isDialer}
	a.next.Store(start)
	return a
}

// Next is safe for concurrent use.
func (a *StreamIDAllocator) Next() uint64 {
	return a.next.Add(2) - 2
}

func (a *StreamIDAllocator) IsDialer() bool {
	return a.isDialer
}

// peerInfoHolder is embedded by concrete RawStream implementations to give
// them SetPeerInfo/PeerInfo without repeating the trivial locking pattern.
type peerInfoHolder struct {
	pi atomic.Pointer[identity.PeerInfo]
}

func (h *peerInfoHolder) SetPeerInfo(pi *identity.PeerInfo) {
	h.pi.Store(pi)
}

func (h *peerInfoHolder) PeerInfo() *identity.PeerInfo {
	return h.pi.Load()
}
