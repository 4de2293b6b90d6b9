package switchcore

import "github.com/postalsys/switchcore/internal/identity"

// EventKind identifies which of spec §6's Switch events fired.
type EventKind int

const (
	EventKindStarted EventKind = iota
	EventKindStopped
	EventKindError
	EventKindPeerMuxEstablished
	EventKindPeerMuxClosed
)

func (k EventKind) String() string {
	switch k {
	case EventKindStarted:
		return "started"
	case EventKindStopped:
		return "stopped"
	case EventKindError:
		return "error"
	case EventKindPeerMuxEstablished:
		return "peer-mux-established"
	case EventKindPeerMuxClosed:
		return "peer-mux-closed"
	default:
		return "unknown"
	}
}

// SwitchEvent is one occurrence of a Switch-level event (spec §6).
type SwitchEvent struct {
	Kind   EventKind
	PeerID identity.PeerId
	Err    error
}

// Observer receives Switch-level events. DESIGN NOTES §9 prefers an
// explicit observer interface passed in at construction over an
// event-emitter with dynamically registered listeners.
type Observer interface {
	OnSwitchEvent(SwitchEvent)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(SwitchEvent)

func (f ObserverFunc) OnSwitchEvent(e SwitchEvent) { f(e) }

// nopObserver discards every event; used when a Switch is constructed
// without an explicit Observer.
type nopObserver struct{}

func (nopObserver) OnSwitchEvent(SwitchEvent) {}
