package switchcore

import (
	"context"
	"fmt"
	"time"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/observertap"
	"github.com/postalsys/switchcore/internal/transport"
	"github.com/postalsys/switchcore/internal/transportreg"
)

// newOutboundConn builds a FSM-O Conn, starting in DISCONNECTED per spec
// §4.4. theirPeerInfo must already carry the addresses to dial.
func newOutboundConn(sw *Switch, theirPeerInfo *identity.PeerInfo) *Conn {
	return newConn(sw, true, theirPeerInfo)
}

// Dial runs FSM-O's DIALING entry action: try every transport that can
// reach the peer's known addresses, in order, falling back exactly once to
// a circuit-relay dial if every direct transport fails and a circuit
// transport is registered (spec §4.4).
func (c *Conn) Dial(ctx context.Context) error {
	if c.ourPeerInfo != nil && c.theirPeerInfo != nil && c.ourPeerInfo.Id.Equal(c.theirPeerInfo.Id) {
		c.emitError(ErrDialSelf)
		return ErrDialSelf
	}

	if c.deps.transports.NonCircuitCount() == 0 {
		c.emitError(ErrNoTransportsRegistered)
		return ErrNoTransportsRegistered
	}

	if _, err := c.transition(EventDial); err != nil {
		return err
	}

	start := time.Now()
	tags := c.deps.transports.AvailableTransports(c.theirPeerInfo)
	lastErr := c.dialTags(ctx, tags)
	if lastErr == nil {
		c.deps.metrics.RecordDial("", "success", time.Since(start).Seconds())
		if _, err := c.transition(EventDone); err != nil {
			return err
		}
		return nil
	}

	if !containsTag(tags, transportreg.CircuitTag) && c.deps.transports.HasCircuitTransport() {
		addr, err := circuitAddr(c.theirPeerInfo.Id)
		if err == nil {
			c.theirPeerInfo.AddAddr(addr)
			lastErr = c.dialTags(ctx, []string{transportreg.CircuitTag})
			if lastErr == nil {
				c.deps.metrics.RecordDial(transportreg.CircuitTag, "success", time.Since(start).Seconds())
				if _, err := c.transition(EventDone); err != nil {
					return err
				}
				return nil
			}
		}
	}

	err := fmt.Errorf("%w: %v", ErrAllTransportsFailed, lastErr)
	c.deps.metrics.RecordDial("", "failure", time.Since(start).Seconds())
	c.fail(err)
	return err
}

// dialTags tries each tag in order, returning nil on the first successful
// dial (leaving the resulting tapped RawStream installed on c) or the last
// error if every tag failed.
func (c *Conn) dialTags(ctx context.Context, tags []string) error {
	var lastErr error
	for _, tag := range tags {
		rs, err := c.deps.transports.Dial(ctx, tag, c.theirPeerInfo, transport.DefaultDialOptions())
		if err != nil {
			lastErr = err
			c.deps.metrics.RecordTransportFailover()
			continue
		}
		c.mu.Lock()
		c.rawStream = observertap.WrapRawStream(rs, c.deps.metrics, transport.Type(tag), "")
		c.triedCircuit = tag == transportreg.CircuitTag
		c.mu.Unlock()
		return nil
	}
	return lastErr
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
