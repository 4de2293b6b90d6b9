package switchcore

import (
	"context"

	"github.com/postalsys/switchcore/internal/observertap"
	"github.com/postalsys/switchcore/internal/transport"
)

// newInboundConn builds a FSM-I Conn for an accepted RawStream, starting in
// DIALED per spec §4.5 (no DIALING state on the listener side). rs is
// tapped immediately, keyed by its transport tag, mirroring the tap FSM-O
// installs right after a successful dial.
func newInboundConn(sw *Switch, rs transport.RawStream) *Conn {
	c := newConn(sw, false, nil)
	c.rawStream = observertap.WrapRawStream(rs, sw.deps.metrics, rs.TransportType(), "")
	return c
}

// Run drives an accepted connection through PRIVATIZING (if configured),
// ENCRYPTING, and UPGRADING without further external input, matching FSM-I's
// single unattended path from DIALED to MUXED (spec §4.5).
func (c *Conn) Run(ctx context.Context) {
	if c.deps.protector != nil {
		if err := c.Privatize(ctx); err != nil {
			return
		}
	}
	if err := c.Encrypt(ctx); err != nil {
		return
	}
	if err := c.Upgrade(ctx); err != nil {
		return
	}
}
