package switchcore

import (
	"log/slog"

	"github.com/postalsys/switchcore/internal/crypto"
	"github.com/postalsys/switchcore/internal/metrics"
	"github.com/postalsys/switchcore/internal/muxer"
	"github.com/postalsys/switchcore/internal/protocolmux"
	"github.com/postalsys/switchcore/internal/transportreg"
)

// deps bundles the collaborators a Conn needs to drive itself through the
// upgrade pipeline. It is built once by the Switch and shared read-only
// across every Conn the Switch owns.
type deps struct {
	transports   *transportreg.Registry
	protector    crypto.Protector // nil if PRIVATIZING is not configured
	handshaker   crypto.Handshaker
	muxers       []muxer.Factory // tried in insertion order during UPGRADING
	protocolMux  *protocolmux.ProtocolMuxer
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func (d *deps) muxerByTag(tag string) muxer.Factory {
	for _, f := range d.muxers {
		if f.Tag() == tag {
			return f
		}
	}
	return nil
}

func (d *deps) muxerTags() []string {
	tags := make([]string, len(d.muxers))
	for i, f := range d.muxers {
		tags[i] = f.Tag()
	}
	return tags
}
