package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// HTTP/2 transport constants.
const (
	h2DefaultPath        = "/switchcore"
	h2DefaultIdleTimeout = 60 * time.Second
)

// H2Transport implements Transport over a single long-lived HTTP/2 POST
// request streamed in both directions: the request body carries
// dialer-to-listener bytes, the response body carries the reverse. Like
// WebSocket, HTTP/2 has no notion of multiple logical streams here — the
// request/response pair *is* the RawStream.
type H2Transport struct {
	mu        sync.Mutex
	listeners []*H2Listener
	closed    bool
}

func NewH2Transport() *H2Transport {
	return &H2Transport{}
}

func (t *H2Transport) Type() Type {
	return TypeHTTP2
}

func (t *H2Transport) Dial(ctx context.Context, addr string, opts DialOptions) (RawStream, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	h2URL, path := parseH2Address(addr, opts)

	connCtx, connCancel := context.WithCancel(context.Background())

	var dialCtx context.Context
	var dialCancel context.CancelFunc
	if opts.Timeout > 0 {
		dialCtx, dialCancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		dialCtx, dialCancel = context.WithCancel(ctx)
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: !opts.StrictVerify,
			NextProtos:         []string{"h2"},
		}
	} else {
		tlsConfig = ensureH2InNextProtos(tlsConfig)
	}

	h2Transport := &http2.Transport{
		TLSClientConfig: tlsConfig,
		AllowHTTP:       false,
	}

	pipeReader, pipeWriter := io.Pipe()

	req, err := http.NewRequestWithContext(connCtx, "POST", h2URL+path, pipeReader)
	if err != nil {
		dialCancel()
		connCancel()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(DefaultHTTPHeader, ALPNProtocol)

	type roundTripResult struct {
		resp *http.Response
		err  error
	}
	resultCh := make(chan roundTripResult, 1)

	go func() {
		resp, err := h2Transport.RoundTrip(req)
		resultCh <- roundTripResult{resp, err}
	}()

	var resp *http.Response
	select {
	case result := <-resultCh:
		dialCancel()
		if result.err != nil {
			connCancel()
			pipeWriter.Close()
			pipeReader.Close()
			return nil, fmt.Errorf("HTTP/2 dial failed: %w", result.err)
		}
		resp = result.resp
	case <-dialCtx.Done():
		connCancel()
		dialCancel()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("HTTP/2 dial timeout: %w", dialCtx.Err())
	}

	if resp.StatusCode != http.StatusOK {
		connCancel()
		resp.Body.Close()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("HTTP/2 dial failed: status %d", resp.StatusCode)
	}

	return &h2RawStream{
		reader:   resp.Body,
		writer:   pipeWriter,
		isDialer: true,
		cancel:   connCancel,
	}, nil
}

func (t *H2Transport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for HTTP/2 listener")
	}
	tlsConfig = ensureH2InNextProtos(tlsConfig)

	path := opts.Path
	if path == "" {
		path = h2DefaultPath
	}

	listener := &H2Listener{
		addr:      addr,
		path:      path,
		tlsConfig: tlsConfig,
		connCh:    make(chan *h2RawStream, 16),
		closeCh:   make(chan struct{}),
	}

	if err := listener.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

func (t *H2Transport) Close() error {
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

// H2Listener implements Listener for HTTP/2.
type H2Listener struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	connCh    chan *h2RawStream
	closeCh   chan struct{}
	closed    atomic.Bool
	mu        sync.Mutex
}

func (l *H2Listener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleH2Stream)

	l.server = &http.Server{
		Addr:      l.addr,
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}
	http2.ConfigureServer(l.server, &http2.Server{})

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		tlsLn := tls.NewListener(ln, l.tlsConfig)
		l.server.Serve(tlsLn)
	}()

	return nil
}

func (l *H2Listener) handleH2Stream(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	if r.Method != "POST" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	proto := r.Header.Get(DefaultHTTPHeader)
	if proto != "" && proto != ALPNProtocol {
		http.Error(w, "unsupported protocol", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(DefaultHTTPHeader, ALPNProtocol)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	pipeReader, pipeWriter := io.Pipe()
	pumpDone := make(chan struct{})

	rs := &h2RawStream{
		reader: r.Body,
		writer: pipeWriter,
		doneCh: make(chan struct{}),
	}

	go func() {
		defer close(pumpDone)
		defer pipeReader.Close()
		buf := make([]byte, 32768)
		for {
			n, err := pipeReader.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return
				}
				flusher.Flush()
			}
		}
	}()

	select {
	case l.connCh <- rs:
		<-rs.doneCh
		pipeWriter.Close()
		<-pumpDone
	case <-l.closeCh:
		pipeWriter.Close()
		<-pumpDone
	}
}

func (l *H2Listener) Accept(ctx context.Context) (RawStream, error) {
	select {
	case rs := <-l.connCh:
		return rs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

func (l *H2Listener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

func (l *H2Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// h2RawStream implements RawStream over one HTTP/2 POST request/response
// pair: writer feeds the request body (dialer) or the response pump
// (listener), reader drains the response body (dialer) or the request body
// (listener).
type h2RawStream struct {
	peerInfoHolder
	reader   io.ReadCloser
	writer   io.WriteCloser
	isDialer bool
	writeMu  sync.Mutex
	closed   atomic.Bool
	doneCh   chan struct{}
	cancel   context.CancelFunc
}

func (s *h2RawStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *h2RawStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writer.Write(p)
}

// CloseWrite has no usable half-close in this request/response model.
func (s *h2RawStream) CloseWrite() error {
	return nil
}

func (s *h2RawStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.doneCh != nil {
		close(s.doneCh)
	}
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.writer != nil {
		if closeErr := s.writer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if s.reader != nil {
		if closeErr := s.reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (s *h2RawStream) LocalAddr() net.Addr  { return nil }
func (s *h2RawStream) RemoteAddr() net.Addr { return nil }
func (s *h2RawStream) IsDialer() bool       { return s.isDialer }
func (s *h2RawStream) TransportType() Type  { return TypeHTTP2 }

func (s *h2RawStream) SetDeadline(t time.Time) error      { return nil }
func (s *h2RawStream) SetReadDeadline(t time.Time) error  { return nil }
func (s *h2RawStream) SetWriteDeadline(t time.Time) error { return nil }

// parseH2Address parses the address into HTTP/2 URL components.
func parseH2Address(addr string, opts DialOptions) (baseURL, path string) {
	if len(addr) > 8 && addr[:8] == "https://" {
		for i := 8; i < len(addr); i++ {
			if addr[i] == '/' {
				return addr[:i], addr[i:]
			}
		}
		return addr, h2DefaultPath
	}

	if len(addr) > 7 && addr[:7] == "http://" {
		for i := 7; i < len(addr); i++ {
			if addr[i] == '/' {
				return addr[:i], addr[i:]
			}
		}
		return addr, h2DefaultPath
	}

	return "https://" + addr, h2DefaultPath
}
