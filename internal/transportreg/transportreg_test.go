package transportreg

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/transport"
)

// fakeRawStream adapts a net.Conn to transport.RawStream for tests.
type fakeRawStream struct {
	net.Conn
	isDialer bool
	tt       transport.Type
	pi       *identity.PeerInfo
}

func (f *fakeRawStream) CloseWrite() error                     { return nil }
func (f *fakeRawStream) IsDialer() bool                        { return f.isDialer }
func (f *fakeRawStream) TransportType() transport.Type         { return f.tt }
func (f *fakeRawStream) SetPeerInfo(pi *identity.PeerInfo)      { f.pi = pi }
func (f *fakeRawStream) PeerInfo() *identity.PeerInfo           { return f.pi }

// fakeTransport dials by handing back one end of a net.Pipe, ignoring addr.
type fakeTransport struct {
	tt     transport.Type
	failer error

	mu       sync.Mutex
	dials    []string
	lastOpt  transport.ListenOptions
	listener *fakeListener
}

func (f *fakeTransport) Dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.RawStream, error) {
	f.mu.Lock()
	f.dials = append(f.dials, addr)
	f.mu.Unlock()
	if f.failer != nil {
		return nil, f.failer
	}
	a, _ := net.Pipe()
	return &fakeRawStream{Conn: a, isDialer: true, tt: f.tt}, nil
}

func (f *fakeTransport) Listen(addr string, opts transport.ListenOptions) (transport.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		f.listener = &fakeListener{accepted: make(chan transport.RawStream, 1)}
	}
	return f.listener, nil
}

func (f *fakeTransport) Type() transport.Type { return f.tt }
func (f *fakeTransport) Close() error         { return nil }

type fakeListener struct {
	accepted chan transport.RawStream
	closed   bool
}

func (l *fakeListener) Accept(ctx context.Context) (transport.RawStream, error) {
	select {
	case rs, ok := <-l.accepted:
		if !ok {
			return nil, errors.New("fakeListener: closed")
		}
		return rs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Addr() net.Addr { return nil }
func (l *fakeListener) Close() error {
	if !l.closed {
		l.closed = true
		close(l.accepted)
	}
	return nil
}

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	if err != nil {
		t.Fatalf("NewMultiaddr(%q) error = %v", s, err)
	}
	return a
}

func TestRegistryDialUsesResolvedAddress(t *testing.T) {
	id, _ := identity.NewPeerId()
	pi := identity.NewPeerInfo(id, mustAddr(t, "/ws/ip4/127.0.0.1/tcp/9001"))

	ft := &fakeTransport{tt: transport.TypeWebSocket}
	reg := New(nil)
	reg.Add("ws", ft, 0, 0)

	rs, err := reg.Dial(context.Background(), "ws", pi, transport.DefaultDialOptions())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer rs.Close()

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.dials) != 1 || ft.dials[0] != "127.0.0.1:9001" {
		t.Fatalf("dialed address = %v, want [127.0.0.1:9001]", ft.dials)
	}
}

func TestRegistryDialUnknownTag(t *testing.T) {
	id, _ := identity.NewPeerId()
	pi := identity.NewPeerInfo(id)
	reg := New(nil)

	if _, err := reg.Dial(context.Background(), "quic", pi, transport.DefaultDialOptions()); err == nil {
		t.Fatal("expected error for unregistered tag")
	}
}

func TestAvailableTransportsOrdersCircuitLast(t *testing.T) {
	id, _ := identity.NewPeerId()
	remoteID, _ := identity.NewPeerId()
	pi := identity.NewPeerInfo(id,
		mustAddr(t, "/p2p-circuit/ipfs/"+remoteID.String()),
		mustAddr(t, "/ws/ip4/127.0.0.1/tcp/9001"),
		mustAddr(t, "/quic/ip4/127.0.0.1/udp/9002"),
	)

	reg := New(nil)
	// Register circuit FIRST to prove ordering is a partition, not a
	// side effect of registration order.
	reg.Add("p2p-circuit", &fakeTransport{}, 0, 0)
	reg.Add("ws", &fakeTransport{}, 0, 0)
	reg.Add("quic", &fakeTransport{}, 0, 0)

	got := reg.AvailableTransports(pi)
	if len(got) != 3 || got[len(got)-1] != "p2p-circuit" {
		t.Fatalf("AvailableTransports() = %v, want circuit last", got)
	}
}

func TestNonCircuitCount(t *testing.T) {
	reg := New(nil)
	reg.Add("p2p-circuit", &fakeTransport{}, 0, 0)
	if n := reg.NonCircuitCount(); n != 0 {
		t.Fatalf("NonCircuitCount() = %d, want 0", n)
	}
	reg.Add("ws", &fakeTransport{}, 0, 0)
	if n := reg.NonCircuitCount(); n != 1 {
		t.Fatalf("NonCircuitCount() = %d, want 1", n)
	}
}

func TestListenInvokesHandlerPerAccept(t *testing.T) {
	ft := &fakeTransport{tt: transport.TypeWebSocket}
	reg := New(nil)
	reg.Add("ws", ft, 0, 0)

	handled := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closeFn, err := reg.Listen(ctx, "ws", ":0", transport.DefaultListenOptions(), func(rs transport.RawStream) {
		handled <- struct{}{}
	})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer closeFn()

	a, b := net.Pipe()
	defer b.Close()
	ft.mu.Lock()
	fl := ft.listener
	ft.mu.Unlock()
	fl.accepted <- &fakeRawStream{Conn: a, tt: transport.TypeWebSocket}

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked within timeout")
	}
}

var _ io.Closer = (*fakeListener)(nil)
