package observertap

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_golang/prometheus/client_model/go"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/metrics"
	"github.com/postalsys/switchcore/internal/transport"
)

func newTestMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	return metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestTapMetersReadsAndWrites(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	m := newTestMetrics(t)
	tap := New(a, m, transport.TypeQUIC, WithProtocol("/chat/1.0.0"))

	go func() { tap.Write([]byte("hello")) }()

	buf := make([]byte, 5)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n != 5 {
		t.Fatalf("got %d bytes, want 5", n)
	}

	if got := tap.BytesSent(); got != 5 {
		t.Fatalf("BytesSent() = %d, want 5", got)
	}
	if got := counterValue(t, m.BytesSent, string(transport.TypeQUIC), "/chat/1.0.0"); got != 5 {
		t.Fatalf("BytesSent metric = %v, want 5", got)
	}

	go func() { b.Write([]byte("world")) }()
	n, err = tap.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n != 5 {
		t.Fatalf("got %d bytes, want 5", n)
	}
	if got := tap.BytesReceived(); got != 5 {
		t.Fatalf("BytesReceived() = %d, want 5", got)
	}
	if got := counterValue(t, m.BytesReceived, string(transport.TypeQUIC), "/chat/1.0.0"); got != 5 {
		t.Fatalf("BytesReceived metric = %v, want 5", got)
	}
}

func TestTapPeerInfoResolvesLazily(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var resolved *identity.PeerInfo
	tap := New(a, newTestMetrics(t), transport.TypeWebSocket, WithPeerInfoFunc(func() *identity.PeerInfo {
		return resolved
	}))

	if pi := tap.PeerInfo(); pi != nil {
		t.Fatalf("PeerInfo() = %v before resolution, want nil", pi)
	}

	id, err := identity.NewPeerId()
	if err != nil {
		t.Fatalf("NewPeerId() error = %v", err)
	}
	resolved = identity.NewPeerInfo(id)

	if pi := tap.PeerInfo(); pi == nil || pi.Id != resolved.Id {
		t.Fatalf("PeerInfo() = %v, want %v", pi, resolved)
	}
}

func TestTapUnwrapReturnsUnderlyingStream(t *testing.T) {
	a, _ := net.Pipe()
	defer a.Close()

	tap := New(a, newTestMetrics(t), transport.TypeHTTP2)
	if tap.Unwrap() != a {
		t.Fatal("Unwrap() did not return the underlying stream")
	}
}
