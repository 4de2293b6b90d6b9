package switchcore

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/postalsys/switchcore/internal/crypto"
	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/muxer"
	"github.com/postalsys/switchcore/internal/transport"
	"github.com/postalsys/switchcore/internal/transportreg"
)

// loopbackRawStream adapts a net.Pipe half to transport.RawStream.
type loopbackRawStream struct {
	net.Conn
	isDialer bool
	tt       transport.Type
	pi       *identity.PeerInfo
}

func (r *loopbackRawStream) CloseWrite() error                { return nil }
func (r *loopbackRawStream) IsDialer() bool                   { return r.isDialer }
func (r *loopbackRawStream) TransportType() transport.Type    { return r.tt }
func (r *loopbackRawStream) SetPeerInfo(pi *identity.PeerInfo) { r.pi = pi }
func (r *loopbackRawStream) PeerInfo() *identity.PeerInfo      { return r.pi }

// loopbackTransport wires its own Dial calls to its own Listener, so two
// Switches registering the same *loopbackTransport instance under the same
// tag can dial one another end-to-end without a real network.
type loopbackTransport struct {
	tag transport.Type

	mu        sync.Mutex
	listener  *loopbackListener
	dialErr   error
	dialCount int
}

func newLoopbackTransport(tag transport.Type) *loopbackTransport {
	return &loopbackTransport{tag: tag}
}

func (l *loopbackTransport) Dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.RawStream, error) {
	l.mu.Lock()
	l.dialCount++
	err := l.dialErr
	lst := l.listener
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	a, b := net.Pipe()
	if lst != nil {
		go func() {
			select {
			case lst.ch <- &loopbackRawStream{Conn: b, isDialer: false, tt: l.tag}:
			case <-lst.closed:
			}
		}()
	}
	return &loopbackRawStream{Conn: a, isDialer: true, tt: l.tag}, nil
}

func (l *loopbackTransport) Listen(addr string, opts transport.ListenOptions) (transport.Listener, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		l.listener = &loopbackListener{ch: make(chan transport.RawStream, 8), closed: make(chan struct{})}
	}
	return l.listener, nil
}

func (l *loopbackTransport) Type() transport.Type { return l.tag }
func (l *loopbackTransport) Close() error         { return nil }

func (l *loopbackTransport) dials() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dialCount
}

type loopbackListener struct {
	ch     chan transport.RawStream
	closed chan struct{}
}

func (ll *loopbackListener) Accept(ctx context.Context) (transport.RawStream, error) {
	select {
	case rs := <-ll.ch:
		return rs, nil
	case <-ll.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ll *loopbackListener) Addr() net.Addr { return nil }
func (ll *loopbackListener) Close() error {
	select {
	case <-ll.closed:
	default:
		close(ll.closed)
	}
	return nil
}

func mustMultiaddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("NewMultiaddr(%q) error = %v", s, err)
	}
	return a
}

// otherTagMuxerFactory is a Factory whose tag never matches the default
// frame-mux tag, used to force UPGRADING's negotiation to fail cleanly.
type otherTagMuxerFactory struct{}

func (otherTagMuxerFactory) Tag() string { return "/switchcore/other-mux/1.0.0" }
func (otherTagMuxerFactory) New(ss crypto.SecureStream, isDialer bool) (muxer.Muxer, error) {
	return nil, io.ErrClosedPipe
}

// newTestSwitch builds a Switch whose "ws" transport is shared with t across
// every call with the same transport, so dialer/listener Switches reach one
// another without a real network.
func newTestSwitch(t *testing.T, tr *loopbackTransport, opts ...Option) (*Switch, *identity.Keypair) {
	t.Helper()
	kp, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error = %v", err)
	}
	reg := transportreg.New(nil)
	reg.Add("ws", tr, 0, 0)
	return New(kp, reg, opts...), kp
}

func addrFor(kp *identity.Keypair, t *testing.T) ma.Multiaddr {
	return mustMultiaddr(t, "/ws/ip4/127.0.0.1/tcp/9001")
}
