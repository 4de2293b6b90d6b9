package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values.
const (
	DefaultMaxIdleTimeout     = 60 * time.Second
	DefaultKeepAlivePeriod    = 30 * time.Second
	DefaultMaxIncomingStreams = 10000
)

// QUICTransport implements Transport using the QUIC protocol. Each dial or
// accept yields exactly one RawStream: the connection's first bidirectional
// stream, opened eagerly on dial and accepted eagerly on the listener side.
// QUIC's native stream multiplexing is deliberately unused here — muxing is
// internal/muxer's job, layered above the crypto handshake this RawStream
// carries.
type QUICTransport struct {
	mu        sync.Mutex
	listeners []*QUICListener
	closed    bool
}

func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

func (t *QUICTransport) Type() Type {
	return TypeQUIC
}

func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (RawStream, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		if !opts.InsecureSkipVerify {
			return nil, fmt.Errorf("TLS config required; set InsecureSkipVerify=true for development only")
		}
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPNProtocol},
			MinVersion:         tls.VersionTLS13,
		}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    DefaultMaxIncomingStreams,
		MaxIncomingUniStreams: 0,
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("QUIC initial stream open failed: %w", err)
	}

	return &quicRawStream{conn: conn, stream: stream, isDialer: true}, nil
}

func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	maxStreams := opts.MaxStreams
	if maxStreams <= 0 {
		maxStreams = DefaultMaxIncomingStreams
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    int64(maxStreams),
		MaxIncomingUniStreams: 0,
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	ql := &QUICListener{listener: listener}
	t.listeners = append(t.listeners, ql)
	return ql, nil
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil
	return lastErr
}

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener *quic.Listener
	closed   bool
	mu       sync.Mutex
}

func (l *QUICListener) Accept(ctx context.Context) (RawStream, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "initial stream accept failed")
		return nil, fmt.Errorf("QUIC initial stream accept failed: %w", err)
	}

	return &quicRawStream{conn: conn, stream: stream, isDialer: false}, nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// quicRawStream is the connection's first bidirectional stream, tied to the
// lifetime of the QUIC connection: closing it closes the whole connection.
type quicRawStream struct {
	peerInfoHolder
	conn     quic.Connection
	stream   quic.Stream
	isDialer bool
}

func (s *quicRawStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *quicRawStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *quicRawStream) CloseWrite() error {
	return s.stream.Close()
}

func (s *quicRawStream) Close() error {
	s.stream.CancelRead(0)
	_ = s.stream.Close()
	return s.conn.CloseWithError(0, "connection closed")
}

func (s *quicRawStream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *quicRawStream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *quicRawStream) IsDialer() bool       { return s.isDialer }
func (s *quicRawStream) TransportType() Type  { return TypeQUIC }

func (s *quicRawStream) SetDeadline(t time.Time) error      { return s.stream.SetDeadline(t) }
func (s *quicRawStream) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *quicRawStream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }
