package protocolmux

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/metrics"
)

// pipeRWC adapts a net.Conn into io.ReadWriteCloser for multistream-select.
type pipeRWC struct{ net.Conn }

func newTestMuxer(t *testing.T) *ProtocolMuxer {
	t.Helper()
	return New(metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
}

func TestHandleDispatchesToMatchingHandler(t *testing.T) {
	a, b := net.Pipe()

	listener := newTestMuxer(t)
	dispatched := make(chan struct {
		protocol string
		peer     *identity.PeerInfo
	}, 1)
	listener.AddHandler("/switchcore/echo/1.0.0", func(protocol string, stream io.ReadWriteCloser, peer *identity.PeerInfo) {
		dispatched <- struct {
			protocol string
			peer     *identity.PeerInfo
		}{protocol, peer}
	})

	peerID, _ := identity.NewPeerId()
	pi := identity.NewPeerInfo(peerID)

	var wg sync.WaitGroup
	wg.Add(1)
	var handleErr error
	go func() {
		defer wg.Done()
		handleErr = listener.Handle(pipeRWC{a}, pi)
	}()

	dialer := newTestMuxer(t)
	selected, _, err := dialer.Dial(context.Background(), pipeRWC{b}, "/switchcore/echo/1.0.0")
	wg.Wait()

	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if handleErr != nil {
		t.Fatalf("Handle() error = %v", handleErr)
	}
	if selected != "/switchcore/echo/1.0.0" {
		t.Fatalf("selected = %q, want echo", selected)
	}

	got := <-dispatched
	if got.protocol != "/switchcore/echo/1.0.0" {
		t.Fatalf("dispatched protocol = %q, want echo", got.protocol)
	}
	if got.peer == nil || got.peer.Id != pi.Id {
		t.Fatalf("dispatched peer = %v, want %v", got.peer, pi)
	}
}

func TestHandleWithMatcherAcceptsVersionedProtocol(t *testing.T) {
	a, b := net.Pipe()

	listener := newTestMuxer(t)
	dispatched := make(chan string, 1)
	listener.AddHandlerWithMatcher(
		"/switchcore/chat",
		func(p string) bool { return len(p) >= len("/switchcore/chat") && p[:len("/switchcore/chat")] == "/switchcore/chat" },
		func(protocol string, stream io.ReadWriteCloser, peer *identity.PeerInfo) {
			dispatched <- protocol
		},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener.Handle(pipeRWC{a}, nil)
	}()

	dialer := newTestMuxer(t)
	selected, _, err := dialer.Dial(context.Background(), pipeRWC{b}, "/switchcore/chat/2.0.0")
	wg.Wait()
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if selected != "/switchcore/chat/2.0.0" {
		t.Fatalf("selected = %q, want versioned chat", selected)
	}
	if got := <-dispatched; got != "/switchcore/chat/2.0.0" {
		t.Fatalf("dispatched = %q, want versioned chat", got)
	}
}

func TestRemoveHandlerStopsNegotiation(t *testing.T) {
	a, b := net.Pipe()

	listener := newTestMuxer(t)
	listener.AddHandler("/switchcore/echo/1.0.0", func(string, io.ReadWriteCloser, *identity.PeerInfo) {})
	listener.AddHandler("/switchcore/ping/1.0.0", func(string, io.ReadWriteCloser, *identity.PeerInfo) {})
	listener.RemoveHandler("/switchcore/echo/1.0.0")

	handleErrCh := make(chan error, 1)
	go func() {
		handleErrCh <- listener.Handle(pipeRWC{a}, nil)
	}()

	dialer := newTestMuxer(t)
	selected, _, err := dialer.Dial(context.Background(), pipeRWC{b}, "/switchcore/echo/1.0.0", "/switchcore/ping/1.0.0")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if selected != "/switchcore/ping/1.0.0" {
		t.Fatalf("selected = %q, want fallback to ping after echo removed", selected)
	}
	if err := <-handleErrCh; err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
}
