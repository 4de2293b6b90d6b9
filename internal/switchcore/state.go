package switchcore

// State is a connection's position in the FSM-O/FSM-I graph of spec §4.4/
// §4.5. The state variable is the single source of truth for lifecycle;
// transitions happen only through the named events below.
type State int32

const (
	StateDisconnected State = iota
	StateDialing
	StateDialed
	StatePrivatizing
	StatePrivatized
	StateEncrypting
	StateEncrypted
	StateUpgrading
	StateMuxed
	StateConnected
	StateDisconnecting
	StateAborted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateDialing:
		return "DIALING"
	case StateDialed:
		return "DIALED"
	case StatePrivatizing:
		return "PRIVATIZING"
	case StatePrivatized:
		return "PRIVATIZED"
	case StateEncrypting:
		return "ENCRYPTING"
	case StateEncrypted:
		return "ENCRYPTED"
	case StateUpgrading:
		return "UPGRADING"
	case StateMuxed:
		return "MUXED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateAborted:
		return "ABORTED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// Named events that drive transitions (spec §4.4/§4.5's edge labels).
const (
	EventDial       = "dial"
	EventPrivatize  = "privatize"
	EventEncrypt    = "encrypt"
	EventUpgrade    = "upgrade"
	EventDone       = "done"
	EventStop       = "stop"
	EventError      = "error"
	EventAbort      = "abort"
	EventDisconnect = "disconnect"
)

// transitionTable looks up the destination state for (from, event); the
// second return is false for any edge not in the graph, which callers turn
// into an *ErrInvalidTransition rather than silently no-opping (DESIGN
// NOTES §9).
type transitionTable map[State]map[string]State

func (t transitionTable) next(from State, event string) (State, bool) {
	edges, ok := t[from]
	if !ok {
		return 0, false
	}
	to, ok := edges[event]
	return to, ok
}

// outboundTransitions is the FSM-O graph, spec §4.4.
var outboundTransitions = transitionTable{
	StateDisconnected: {
		EventDial: StateDialing,
	},
	StateDialing: {
		EventDone:       StateDialed,
		EventError:      StateErrored,
		EventAbort:      StateAborted,
		EventDisconnect: StateDisconnecting,
	},
	StateDialed: {
		EventPrivatize: StatePrivatizing,
		EventEncrypt:   StateEncrypting,
	},
	StatePrivatizing: {
		EventDone:       StatePrivatized,
		EventAbort:      StateAborted,
		EventDisconnect: StateDisconnecting,
	},
	StatePrivatized: {
		EventEncrypt: StateEncrypting,
	},
	StateEncrypting: {
		EventDone:       StateEncrypted,
		EventError:      StateErrored,
		EventDisconnect: StateDisconnecting,
	},
	StateEncrypted: {
		EventUpgrade:    StateUpgrading,
		EventDisconnect: StateDisconnecting,
	},
	StateUpgrading: {
		EventDone:  StateMuxed,
		EventStop:  StateConnected,
		EventError: StateErrored,
	},
	StateMuxed: {
		EventDisconnect: StateDisconnecting,
	},
	StateConnected: {
		EventDisconnect: StateDisconnecting,
	},
	StateDisconnecting: {
		EventDone: StateDisconnected,
	},
	StateErrored: {
		EventDisconnect: StateDisconnecting,
	},
}

// inboundTransitions is the FSM-I graph, spec §4.5: no DIALING (starts at
// DIALED), no ABORTED/ERRORED branch — failures take the disconnect edge
// directly, per spec's own state list and DESIGN NOTES §9's fix for
// UPGRADING's otherwise-swallowed failure path.
var inboundTransitions = transitionTable{
	StateDialed: {
		EventPrivatize: StatePrivatizing,
		EventEncrypt:   StateEncrypting,
	},
	StatePrivatizing: {
		EventDone:       StatePrivatized,
		EventDisconnect: StateDisconnecting,
	},
	StatePrivatized: {
		EventEncrypt: StateEncrypting,
	},
	StateEncrypting: {
		EventDone:       StateEncrypted,
		EventDisconnect: StateDisconnecting,
	},
	StateEncrypted: {
		EventUpgrade:    StateUpgrading,
		EventDisconnect: StateDisconnecting,
	},
	StateUpgrading: {
		EventDone:       StateMuxed,
		EventDisconnect: StateDisconnecting,
	},
	StateMuxed: {
		EventDisconnect: StateDisconnecting,
	},
	StateDisconnecting: {
		EventDone: StateDisconnected,
	},
}
