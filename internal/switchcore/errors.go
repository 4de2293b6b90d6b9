package switchcore

import (
	"errors"
	"fmt"
	"io"
)

// Stable error identifiers surfaced on FSM and Switch events (spec §6).
var (
	// ErrDialSelf is emitted when dial() targets the local PeerId.
	ErrDialSelf = errors.New("switchcore: cannot dial self")

	// ErrNoTransportsRegistered is emitted from DIALING when no
	// non-circuit transport has been registered on the Switch.
	ErrNoTransportsRegistered = errors.New("switchcore: no transports registered")

	// ErrAllTransportsFailed aggregates per-transport dial failures once
	// every available transport (including one circuit retry) has been
	// exhausted.
	ErrAllTransportsFailed = errors.New("switchcore: all transports failed")

	// ErrNoMuxersRegistered means UPGRADING found no MuxerFactory at all.
	// For a dialer it is not itself an error condition (FSM-O takes the
	// CONNECTED path); a listener's FSM-I fails and disconnects with it.
	ErrNoMuxersRegistered = errors.New("switchcore: no muxers registered")

	// ErrUnexpectedEnd is the classified form of an end-of-stream error
	// surfacing from negotiation or the crypto handshake, per spec §4.4's
	// "mapping end-of-stream into a dedicated unexpected end kind".
	ErrUnexpectedEnd = errors.New("switchcore: unexpected end of stream")

	// ErrAborted is delivered to pending callbacks when DialScheduler.Abort
	// is called.
	ErrAborted = errors.New("switchcore: aborted")

	// ErrSwitchNotStarted fails the requests of a queued dial whose
	// DialScheduler was stopped (by Stop) before the dial took a slot.
	// Dials made before Start are not rejected with it.
	ErrSwitchNotStarted = errors.New("switchcore: switch not started")
)

// ErrInvalidTransition is returned for any rejected state-machine edge
// rather than panicking, per DESIGN NOTES §9's "reject transitions become
// a single invalid transition error rather than silent no-ops" guidance.
// Per spec §7, a fatal invalid-transition error is logged and the FSM
// remains on its current state; it is never propagated to a DialRequest
// callback as a terminal error.
type ErrInvalidTransition struct {
	From  string
	Event string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("switchcore: invalid transition: event %q from state %q", e.Event, e.From)
}

// maybeUnexpectedEnd classifies err, mapping io.EOF/io.ErrUnexpectedEOF
// (and anything already wrapping them) into ErrUnexpectedEnd so that
// abrupt peer disconnects during negotiation or handshake are reported
// under one stable identifier instead of leaking io's sentinel errors.
func maybeUnexpectedEnd(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrUnexpectedEnd, err)
	}
	return err
}
