// Package muxer implements the switch's stream multiplexer: the capability
// over a SecureStream that opens and accepts substreams, used once a
// connection has been encrypted and is ready to be upgraded per spec §4.4's
// UPGRADING state.
package muxer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/postalsys/switchcore/internal/crypto"
	"github.com/postalsys/switchcore/internal/logging"
	"github.com/postalsys/switchcore/internal/transport"
)

// FrameMuxProtocolID is the multistream-select protocol ID the dialer
// offers and the listener matches when negotiating this muxer
// implementation, analogous to a multicodec tag.
const FrameMuxProtocolID = "/switchcore/frame-mux/1.0.0"

// Muxer is the capability a SecureStream is upgraded into: newStream()
// opens substreams, Accept() surfaces substreams the peer opened.
type Muxer interface {
	OpenStream(ctx context.Context) (*Substream, error)
	Accept(ctx context.Context) (*Substream, error)
	Close() error
	IsClosed() bool
	// Done is closed when the muxer's underlying connection ends, so a
	// caller can react the same way regardless of which side initiated
	// the close.
	Done() <-chan struct{}
}

// Factory constructs a Muxer over a freshly encrypted connection. The
// switch's muxers table is keyed by Factory.Tag() and tried in insertion
// order during negotiation (spec §4.4 UPGRADING).
type Factory interface {
	Tag() string
	New(ss crypto.SecureStream, isDialer bool) (Muxer, error)
}

type frameMuxerFactory struct{}

// NewFactory returns the Factory for the concrete frame-based Muxer.
func NewFactory() Factory { return frameMuxerFactory{} }

func (frameMuxerFactory) Tag() string { return FrameMuxProtocolID }

func (frameMuxerFactory) New(ss crypto.SecureStream, isDialer bool) (Muxer, error) {
	return NewFrameMuxer(ss, isDialer, nil), nil
}

// FrameMuxer is the concrete Muxer: a length-prefixed frame protocol over
// one SecureStream, multiplexing substreams by stream ID.
type FrameMuxer struct {
	ss        crypto.SecureStream
	allocator *transport.StreamIDAllocator
	logger    *slog.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	streams      map[uint64]*Substream
	pendingOpens map[uint64]chan error

	acceptCh  chan *Substream
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewFrameMuxer wraps ss in a FrameMuxer and starts its read loop.
func NewFrameMuxer(ss crypto.SecureStream, isDialer bool, logger *slog.Logger) *FrameMuxer {
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := &FrameMuxer{
		ss:           ss,
		allocator:    transport.NewStreamIDAllocator(isDialer),
		logger:       logger,
		streams:      make(map[uint64]*Substream),
		pendingOpens: make(map[uint64]chan error),
		acceptCh:     make(chan *Substream, 64),
		closed:       make(chan struct{}),
	}
	go m.run()
	return m
}

// OpenStream opens a new substream, blocking until the peer acknowledges
// it or ctx is done.
func (m *FrameMuxer) OpenStream(ctx context.Context) (*Substream, error) {
	id := m.allocator.Next()
	sub := newSubstream(id, m.allocator.IsDialer(), m)

	ackCh := make(chan error, 1)
	m.mu.Lock()
	if m.isClosedLocked() {
		m.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	m.streams[id] = sub
	m.pendingOpens[id] = ackCh
	m.mu.Unlock()

	if err := m.writeFrame(FrameOpen, id, nil); err != nil {
		m.forgetStream(id)
		return nil, fmt.Errorf("muxer: open stream: %w", err)
	}

	select {
	case err := <-ackCh:
		if err != nil {
			m.forgetStream(id)
			return nil, err
		}
		sub.state.Store(int32(StateOpen))
		return sub, nil
	case <-ctx.Done():
		m.forgetStream(id)
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.ErrClosedPipe
	}
}

// Accept returns the next substream the peer opened.
func (m *FrameMuxer) Accept(ctx context.Context) (*Substream, error) {
	select {
	case sub, ok := <-m.acceptCh:
		if !ok {
			return nil, io.ErrClosedPipe
		}
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, io.ErrClosedPipe
	}
}

// IsClosed reports whether the muxer has been torn down.
func (m *FrameMuxer) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the muxer's connection ends.
func (m *FrameMuxer) Done() <-chan struct{} { return m.closed }

// Close tears down every open substream and the underlying SecureStream.
func (m *FrameMuxer) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		streams := make([]*Substream, 0, len(m.streams))
		for _, sub := range m.streams {
			streams = append(streams, sub)
		}
		m.streams = make(map[uint64]*Substream)
		for _, ch := range m.pendingOpens {
			ch <- io.ErrClosedPipe
		}
		m.pendingOpens = make(map[uint64]chan error)
		m.mu.Unlock()

		for _, sub := range streams {
			sub.handleReset()
		}
		close(m.acceptCh)
		m.closeErr = m.ss.Close()
		close(m.closed)
	})
	return m.closeErr
}

func (m *FrameMuxer) isClosedLocked() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *FrameMuxer) forgetStream(id uint64) {
	m.mu.Lock()
	delete(m.streams, id)
	delete(m.pendingOpens, id)
	m.mu.Unlock()
}

// writeFrame serializes and writes one frame, serialized against
// concurrent writers since a SecureStream has a single write side.
func (m *FrameMuxer) writeFrame(frameType uint8, streamID uint64, payload []byte) error {
	f := &Frame{Type: frameType, StreamID: streamID, Payload: payload}
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err = m.ss.Write(buf)
	return err
}

// run is the muxer's read loop: it demultiplexes incoming frames to their
// substream or to muxer-level bookkeeping (OPEN/OPEN_ACK/KEEPALIVE).
func (m *FrameMuxer) run() {
	defer m.Close()

	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(m.ss, header); err != nil {
			m.logger.Debug("muxer: read loop exiting", "error", err)
			return
		}
		frameType, _, length, streamID, err := DecodeHeader(header)
		if err != nil {
			m.logger.Debug("muxer: malformed frame header", "error", err)
			return
		}
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(m.ss, payload); err != nil {
				m.logger.Debug("muxer: read loop exiting mid-frame", "error", err)
				return
			}
		}
		m.dispatch(frameType, streamID, payload)
	}
}

func (m *FrameMuxer) dispatch(frameType uint8, streamID uint64, payload []byte) {
	switch frameType {
	case FrameOpen:
		m.handleOpen(streamID)
	case FrameOpenAck:
		m.handleOpenAck(streamID)
	case FrameData:
		if sub := m.lookup(streamID); sub != nil {
			sub.pushData(payload)
		}
	case FrameClose:
		if sub := m.lookup(streamID); sub != nil {
			sub.handleRemoteClose()
		}
	case FrameReset:
		if sub := m.lookup(streamID); sub != nil {
			sub.handleReset()
			m.forgetStream(streamID)
		}
	case FrameKeepalive:
		_ = m.writeFrame(FrameKeepaliveAck, streamID, nil)
	case FrameKeepaliveAck:
		// no liveness tracker in this implementation; acks are advisory.
	default:
		m.logger.Debug("muxer: dropping unknown frame type", logging.KeyEvent, FrameTypeName(frameType))
	}
}

func (m *FrameMuxer) lookup(id uint64) *Substream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

func (m *FrameMuxer) handleOpen(id uint64) {
	sub := newSubstream(id, m.allocator.IsDialer(), m)
	sub.state.Store(int32(StateOpen))

	m.mu.Lock()
	if m.isClosedLocked() {
		m.mu.Unlock()
		return
	}
	m.streams[id] = sub
	m.mu.Unlock()

	if err := m.writeFrame(FrameOpenAck, id, nil); err != nil {
		m.forgetStream(id)
		return
	}

	select {
	case m.acceptCh <- sub:
	case <-m.closed:
	}
}

func (m *FrameMuxer) handleOpenAck(id uint64) {
	m.mu.Lock()
	ch, ok := m.pendingOpens[id]
	if ok {
		delete(m.pendingOpens, id)
	}
	m.mu.Unlock()
	if ok {
		ch <- nil
	}
}
