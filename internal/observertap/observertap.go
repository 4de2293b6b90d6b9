// Package observertap meters byte traffic flowing through a stream, tagged
// by (transport, protocol, peer), per spec §4.3. It sits transparently
// between a pipeline stage and the next: RawStream, SecureStream, and
// Substream are all spliced through one at some point in the FSM.
package observertap

import (
	"io"
	"sync/atomic"

	"github.com/postalsys/switchcore/internal/crypto"
	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/metrics"
	"github.com/postalsys/switchcore/internal/muxer"
	"github.com/postalsys/switchcore/internal/transport"
)

// peerInfoSource is satisfied by anything that can report the remote peer
// identity once known. transport.RawStream and muxer.Substream expose this
// as a SetPeerInfo/PeerInfo pair filled in by the crypto handshake;
// crypto.SecureStream already knows it at construction via RemotePeerInfo.
// Wrapping either shape behind a closure lets Tap resolve the peer the same
// way for every wrapped stream type.
type peerInfoSource func() *identity.PeerInfo

// Tap wraps one duplex stream, metering bytes under a (transport, protocol)
// label pair and resolving the peer identity lazily so it can be attached
// to a stream before the handshake that authenticates the peer completes.
type Tap struct {
	rwc      io.ReadWriteCloser
	metrics  *metrics.Metrics
	tag      transport.Type
	protocol string
	peerInfo peerInfoSource

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
}

// Option configures a Tap at construction.
type Option func(*Tap)

// WithProtocol labels the tap's metrics with the negotiated protocol ID,
// used once a protocol has been selected over the substream (spec §4.2,
// §4.3's "null" protocol label at earlier pipeline stages).
func WithProtocol(protocol string) Option {
	return func(t *Tap) { t.protocol = protocol }
}

// WithPeerInfoFunc lets a caller supply a way to resolve the remote peer
// identity lazily, for streams (RawStream, Substream) where it is filled in
// after the tap is constructed. WrapSecureStream passes the SecureStream's
// RemotePeerInfo method through this same option.
func WithPeerInfoFunc(f func() *identity.PeerInfo) Option {
	return func(t *Tap) { t.peerInfo = f }
}

// New wraps rwc in a Tap labeled with tag (the transport name, or "" per
// spec §4.3's "null" label when tagging by protocol instead) and any
// Options. m may be nil, in which case metrics.Default() is used.
func New(rwc io.ReadWriteCloser, m *metrics.Metrics, tag transport.Type, opts ...Option) *Tap {
	if m == nil {
		m = metrics.Default()
	}
	t := &Tap{rwc: rwc, metrics: m, tag: tag}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Read implements io.Reader, metering bytes received.
func (t *Tap) Read(p []byte) (int, error) {
	n, err := t.rwc.Read(p)
	if n > 0 {
		t.bytesRecv.Add(uint64(n))
		t.metrics.RecordBytesReceived(string(t.tag), t.protocol, n)
	}
	return n, err
}

// Write implements io.Writer, metering bytes sent.
func (t *Tap) Write(p []byte) (int, error) {
	n, err := t.rwc.Write(p)
	if n > 0 {
		t.bytesSent.Add(uint64(n))
		t.metrics.RecordBytesSent(string(t.tag), t.protocol, n)
	}
	return n, err
}

// Close closes the underlying stream.
func (t *Tap) Close() error { return t.rwc.Close() }

// BytesSent returns the cumulative bytes written through this tap.
func (t *Tap) BytesSent() uint64 { return t.bytesSent.Load() }

// BytesReceived returns the cumulative bytes read through this tap.
func (t *Tap) BytesReceived() uint64 { return t.bytesRecv.Load() }

// PeerInfo resolves the tapped stream's remote peer identity, or nil if the
// tap has no resolver or the resolver has not yet observed one. Lazy
// because a RawStream- or Substream-backed tap may be constructed before
// the crypto handshake stamps the peer identity onto the underlying stream.
func (t *Tap) PeerInfo() *identity.PeerInfo {
	if t.peerInfo == nil {
		return nil
	}
	return t.peerInfo()
}

// Unwrap returns the underlying stream, for callers that need the
// concrete type back (e.g. to call CloseWrite on a RawStream or Substream).
func (t *Tap) Unwrap() io.ReadWriteCloser { return t.rwc }

// rawStreamTap splices a transport.RawStream's byte halves through a Tap
// while keeping every other RawStream method (CloseWrite, deadlines,
// peer-info, address accessors) delegated straight through to rs, so the
// wrapped value stays a drop-in transport.RawStream for the layer above.
type rawStreamTap struct {
	transport.RawStream
	tap *Tap
}

// WrapRawStream wraps a RawStream, keyed by (tag, protocol). spec §4.4 uses
// this twice with complementary labels: DIALING wraps with (transport,
// null) just after a successful dial; ENCRYPTING re-wraps the same conn
// with (null, crypto.tag) once the crypto handshake protocol has been
// negotiated on it, just before handing it to the handshake itself.
func WrapRawStream(rs transport.RawStream, m *metrics.Metrics, tag transport.Type, protocol string) transport.RawStream {
	return &rawStreamTap{RawStream: rs, tap: New(rs, m, tag, WithProtocol(protocol), WithPeerInfoFunc(rs.PeerInfo))}
}

func (w *rawStreamTap) Read(p []byte) (int, error)  { return w.tap.Read(p) }
func (w *rawStreamTap) Write(p []byte) (int, error) { return w.tap.Write(p) }
func (w *rawStreamTap) Close() error                { return w.tap.Close() }

// secureStreamTap is the UPGRADING-stage analog of rawStreamTap: the Switch
// wraps the post-handshake SecureStream it hands to the muxer, keyed by
// protocol (the negotiated muxer tag) with the transport left empty.
type secureStreamTap struct {
	crypto.SecureStream
	tap *Tap
}

// WrapSecureStream wraps a post-handshake SecureStream, keyed by protocol.
func WrapSecureStream(ss crypto.SecureStream, m *metrics.Metrics, protocol string) crypto.SecureStream {
	return &secureStreamTap{SecureStream: ss, tap: New(ss, m, "", WithProtocol(protocol), WithPeerInfoFunc(ss.RemotePeerInfo))}
}

func (w *secureStreamTap) Read(p []byte) (int, error)  { return w.tap.Read(p) }
func (w *secureStreamTap) Write(p []byte) (int, error) { return w.tap.Write(p) }
func (w *secureStreamTap) Close() error                { return w.tap.Close() }

// substreamTap is the substream-level analog, keyed by protocol. The Switch
// wraps each substream accepted from a Muxer with an empty protocol, since
// no protocol has been selected on it yet.
type substreamTap struct {
	*muxer.Substream
	tap *Tap
}

// WrapSubstream wraps a muxer substream, keyed by protocol.
func WrapSubstream(ss *muxer.Substream, m *metrics.Metrics, protocol string) *substreamTap {
	return &substreamTap{Substream: ss, tap: New(ss, m, "", WithProtocol(protocol), WithPeerInfoFunc(ss.PeerInfo))}
}

func (w *substreamTap) Read(p []byte) (int, error)  { return w.tap.Read(p) }
func (w *substreamTap) Write(p []byte) (int, error) { return w.tap.Write(p) }
func (w *substreamTap) Close() error                { return w.tap.Close() }
