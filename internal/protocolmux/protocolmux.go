// Package protocolmux implements ProtocolMuxer (spec §4.2): the table of
// application protocol handlers a Switch dispatches substreams to once
// multistream-select has picked a protocol ID.
package protocolmux

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/metrics"
	"github.com/postalsys/switchcore/internal/negotiator"
	"github.com/postalsys/switchcore/internal/observertap"
)

// HandlerFunc is invoked once a protocol has been negotiated on a stream.
// stream is already wrapped in an ObserverTap; peerInfo is the remote
// identity if known at dispatch time (nil for an unmuxed connection's first
// protocol handshake, where the identity is stamped on the stream itself
// instead — see spec's "unmuxed mode" note in §4.4/§4.5).
type HandlerFunc func(protocol string, stream io.ReadWriteCloser, peerInfo *identity.PeerInfo)

type entry struct {
	protocolID string
	matcher    func(string) bool
	handler    HandlerFunc
}

// matches reports whether negotiated satisfies this entry's registration:
// exact string equality, unless a matcher was supplied (spec §4.2).
func (e *entry) matches(negotiated string) bool {
	if e.matcher != nil {
		return e.matcher(negotiated)
	}
	return e.protocolID == negotiated
}

// ProtocolMuxer dispatches negotiated protocol IDs to registered handlers,
// metering each dispatched stream with an ObserverTap.
type ProtocolMuxer struct {
	mu      sync.RWMutex
	entries map[string]*entry
	neg     *negotiator.Negotiator
	metrics *metrics.Metrics
}

// New constructs an empty ProtocolMuxer. m may be nil, in which case
// metrics.Default() is used.
func New(m *metrics.Metrics) *ProtocolMuxer {
	if m == nil {
		m = metrics.Default()
	}
	return &ProtocolMuxer{
		entries: make(map[string]*entry),
		neg:     negotiator.New(),
		metrics: m,
	}
}

// AddHandler registers an exact-match protocol handler.
func (p *ProtocolMuxer) AddHandler(protocolID string, handler HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[protocolID] = &entry{protocolID: protocolID, handler: handler}
	p.neg.AddHandler(protocolID)
}

// AddHandlerWithMatcher registers a protocol handler accepted by a custom
// predicate instead of exact string equality (spec §4.2).
func (p *ProtocolMuxer) AddHandlerWithMatcher(protocolID string, match func(string) bool, handler HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[protocolID] = &entry{protocolID: protocolID, matcher: match, handler: handler}
	p.neg.AddHandlerWithMatcher(protocolID, match)
}

// RemoveHandler unregisters a protocol handler.
func (p *ProtocolMuxer) RemoveHandler(protocolID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, protocolID)
	p.neg.RemoveHandler(protocolID)
}

// Handle runs the listener side of negotiation over stream: negotiates a
// protocol, wraps the stream in an ObserverTap keyed by the selected
// protocol, and invokes the matching handler. peerInfo may be nil if the
// identity is not yet known (unmuxed mode stamps it on the stream itself
// before negotiation; muxed substreams inherit it from their Muxer).
func (p *ProtocolMuxer) Handle(stream io.ReadWriteCloser, peerInfo *identity.PeerInfo) error {
	protocolID, err := p.neg.Handle(stream)
	if err != nil {
		return fmt.Errorf("protocolmux: negotiate: %w", err)
	}

	p.mu.RLock()
	e := p.lookupLocked(protocolID)
	p.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("protocolmux: negotiated protocol %q has no registered handler", protocolID)
	}

	wrapped := observertap.New(stream, p.metrics, "", observertap.WithProtocol(protocolID))
	e.handler(protocolID, wrapped, peerInfo)
	return nil
}

// Dial runs the dialer side of negotiation over stream, offering candidates
// in order, then wraps the stream in an ObserverTap keyed by whichever
// protocol was selected. It does not invoke a handler; the caller (an FSM
// driving an outbound protocol handshake) owns the negotiated stream.
func (p *ProtocolMuxer) Dial(ctx context.Context, stream io.ReadWriteCloser, candidates ...string) (string, io.ReadWriteCloser, error) {
	selected, err := negotiator.SelectOne(stream, candidates...)
	if err != nil {
		return "", nil, fmt.Errorf("protocolmux: dial: %w", err)
	}
	wrapped := observertap.New(stream, p.metrics, "", observertap.WithProtocol(selected))
	return selected, wrapped, nil
}

func (p *ProtocolMuxer) lookupLocked(protocolID string) *entry {
	if e, ok := p.entries[protocolID]; ok && e.matches(protocolID) {
		return e
	}
	for _, e := range p.entries {
		if e.matches(protocolID) {
			return e
		}
	}
	return nil
}
