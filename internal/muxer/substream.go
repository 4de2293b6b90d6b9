package muxer

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/postalsys/switchcore/internal/identity"
)

// State is the lifecycle state of a Substream.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateHalfClosedLocal  // we sent CLOSE
	StateHalfClosedRemote // peer sent CLOSE
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Substream is a logical stream opened by a Muxer over its underlying
// connection. It satisfies io.ReadWriteCloser plus the half-close and
// peer-identity hooks ObserverTap and ProtocolMuxer need.
type Substream struct {
	id       uint64
	isDialer bool
	mux      *FrameMuxer

	state atomic.Int32

	mu             sync.Mutex
	localFinWrite  bool
	remoteFinWrite bool
	remoteFinCh    chan struct{}

	readBuffer chan []byte
	readLeft   []byte
	closeOnce  sync.Once
	closed     chan struct{}

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	pi atomic.Pointer[identity.PeerInfo]
}

func newSubstream(id uint64, isDialer bool, mux *FrameMuxer) *Substream {
	s := &Substream{
		id:          id,
		isDialer:    isDialer,
		mux:         mux,
		readBuffer:  make(chan []byte, 64),
		remoteFinCh: make(chan struct{}),
		closed:      make(chan struct{}),
	}
	s.state.Store(int32(StateOpening))
	return s
}

// ID returns the substream's stream identifier.
func (s *Substream) ID() uint64 { return s.id }

// State returns the current lifecycle state.
func (s *Substream) State() State { return State(s.state.Load()) }

// SetPeerInfo stamps the remote peer identity on this substream, mirroring
// transport.RawStream's contract so ObserverTap can resolve its metering
// key the same way at either layer.
func (s *Substream) SetPeerInfo(pi *identity.PeerInfo) { s.pi.Store(pi) }

// PeerInfo returns the substream's remote peer identity, or nil if not yet
// stamped.
func (s *Substream) PeerInfo() *identity.PeerInfo { return s.pi.Load() }

// pushData delivers a DATA frame's payload to the reader side. Called from
// the Muxer's read loop.
func (s *Substream) pushData(data []byte) {
	select {
	case <-s.closed:
	case s.readBuffer <- data:
		s.bytesRecv.Add(uint64(len(data)))
	}
}

// handleRemoteClose processes a CLOSE frame from the peer (remote FIN).
func (s *Substream) handleRemoteClose() {
	s.mu.Lock()
	if s.remoteFinWrite {
		s.mu.Unlock()
		return
	}
	s.remoteFinWrite = true
	s.mu.Unlock()
	close(s.remoteFinCh)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case StateOpen:
		s.state.Store(int32(StateHalfClosedRemote))
	case StateHalfClosedLocal:
		s.state.Store(int32(StateClosed))
	}
}

// handleReset aborts the substream in response to a RESET frame or local
// teardown, discarding further reads/writes.
func (s *Substream) handleReset() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
	})
}

// Read implements io.Reader.
func (s *Substream) Read(p []byte) (int, error) {
	for len(s.readLeft) == 0 {
		select {
		case data := <-s.readBuffer:
			s.readLeft = data
		case <-s.remoteFinCh:
			select {
			case data := <-s.readBuffer:
				s.readLeft = data
			default:
				return 0, io.EOF
			}
		case <-s.closed:
			select {
			case data := <-s.readBuffer:
				s.readLeft = data
			default:
				return 0, io.EOF
			}
		}
	}
	n := copy(p, s.readLeft)
	s.readLeft = s.readLeft[n:]
	return n, nil
}

// Write implements io.Writer, chunking writes into DATA frames.
func (s *Substream) Write(p []byte) (int, error) {
	if s.State() == StateClosed || s.State() == StateHalfClosedLocal {
		return 0, io.ErrClosedPipe
	}
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxPayloadSize {
			chunk = chunk[:MaxPayloadSize]
		}
		if err := s.mux.writeFrame(FrameData, s.id, chunk); err != nil {
			return total, err
		}
		s.bytesSent.Add(uint64(len(chunk)))
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// CloseWrite sends a CLOSE frame (half-close) without tearing down reads.
func (s *Substream) CloseWrite() error {
	s.mu.Lock()
	if s.localFinWrite {
		s.mu.Unlock()
		return nil
	}
	s.localFinWrite = true
	switch s.State() {
	case StateOpen:
		s.state.Store(int32(StateHalfClosedLocal))
	case StateHalfClosedRemote:
		s.state.Store(int32(StateClosed))
	}
	s.mu.Unlock()
	return s.mux.writeFrame(FrameClose, s.id, nil)
}

// Close closes the substream fully, resetting it on the wire if it was
// still open.
func (s *Substream) Close() error {
	wasOpen := s.State() != StateClosed
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
	})
	s.mux.forgetStream(s.id)
	if wasOpen {
		return s.mux.writeFrame(FrameReset, s.id, EncodeResetPayload(ResetStreamClosing))
	}
	return nil
}

// Done returns a channel closed when the substream is fully closed.
func (s *Substream) Done() <-chan struct{} { return s.closed }
