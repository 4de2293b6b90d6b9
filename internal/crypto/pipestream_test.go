package crypto

import (
	"net"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/transport"
)

// pipeRawStream adapts a net.Conn (from net.Pipe) into a transport.RawStream
// for in-process handshake/protector tests, mirroring how the teacher's own
// transport tests dial real loopback sockets rather than hand-rolled mocks —
// net.Pipe gives the same full-duplex byte-stream semantics without a port.
type pipeRawStream struct {
	net.Conn
	isDialer bool
	pi       *identity.PeerInfo
}

func newPipeRawStreamPair() (transport.RawStream, transport.RawStream) {
	a, b := net.Pipe()
	return &pipeRawStream{Conn: a, isDialer: true}, &pipeRawStream{Conn: b, isDialer: false}
}

func (p *pipeRawStream) CloseWrite() error           { return nil }
func (p *pipeRawStream) IsDialer() bool              { return p.isDialer }
func (p *pipeRawStream) TransportType() transport.Type { return transport.TypeWebSocket }
func (p *pipeRawStream) SetPeerInfo(pi *identity.PeerInfo) { p.pi = pi }
func (p *pipeRawStream) PeerInfo() *identity.PeerInfo      { return p.pi }
