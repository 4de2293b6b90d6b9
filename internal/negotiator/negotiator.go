// Package negotiator adapts go-multistream (multistream-select v1.0) to
// the Negotiator contract used by internal/protocolmux: a dialer picks one
// protocol ID out of a list it offers, a listener matches an incoming
// protocol ID against its registered handlers. The wire codec itself is an
// external, unmodified contract — this package only wires the library in.
package negotiator

import (
	"fmt"
	"io"

	ms "github.com/multiformats/go-multistream"
)

// Negotiator runs multistream-select over a substream.
type Negotiator struct {
	mux *ms.MultistreamMuxer
}

// New creates a Negotiator with no registered handlers yet.
func New() *Negotiator {
	return &Negotiator{mux: ms.NewMultistreamMuxer()}
}

// AddHandler registers an exact-match protocol ID.
func (n *Negotiator) AddHandler(protocolID string) {
	n.mux.AddHandler(protocolID, func(_ string, _ io.ReadWriteCloser) error {
		return nil
	})
}

// AddHandlerWithMatcher registers a protocol ID matched by a custom
// predicate instead of exact string equality, for protocols that carry a
// version suffix negotiated out of band (spec's matcher-function case).
func (n *Negotiator) AddHandlerWithMatcher(protocolID string, match func(string) bool) {
	n.mux.AddHandlerWithFunc(protocolID, match, func(_ string, _ io.ReadWriteCloser) error {
		return nil
	})
}

// RemoveHandler unregisters a protocol ID.
func (n *Negotiator) RemoveHandler(protocolID string) {
	n.mux.RemoveHandler(protocolID)
}

// SelectOne runs the dialer side of multistream-select: offer protocols in
// order and return whichever one the other side accepts first.
func SelectOne(rwc io.ReadWriteCloser, protocols ...string) (string, error) {
	if len(protocols) == 0 {
		return "", fmt.Errorf("negotiator: no protocols offered")
	}
	selected, err := ms.SelectOneOf(protocols, rwc)
	if err != nil {
		return "", fmt.Errorf("negotiator: select failed: %w", err)
	}
	return selected, nil
}

// Handle runs the listener side: read the dialer's offered protocol IDs in
// turn and respond to the first one this Negotiator has a handler for.
// It returns the negotiated protocol ID; the caller (ProtocolMuxer) is
// responsible for dispatching to the matching handler itself, since the
// registered handler funcs above are no-ops used only to drive selection.
func (n *Negotiator) Handle(rwc io.ReadWriteCloser) (string, error) {
	protocolID, _, err := n.mux.Negotiate(rwc)
	if err != nil {
		return "", fmt.Errorf("negotiator: negotiate failed: %w", err)
	}
	return protocolID, nil
}
