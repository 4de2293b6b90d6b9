// Package crypto implements the crypto handshake step of the switch
// pipeline: RawStream (optionally Protect()-ed) in, authenticated
// SecureStream out. Ephemeral X25519 keys provide the ECDH shared secret;
// long-term Ed25519 identity keys (internal/identity.Keypair) sign the
// ephemeral exchange so each side can bind the resulting session to a
// specific, verified PeerId rather than trusting whoever answered the dial.
package crypto

import (
	"context"
	"fmt"
	"io"

	"github.com/postalsys/switchcore/internal/identity"
	"github.com/postalsys/switchcore/internal/transport"
)

// HandshakeProtocolID is the multistream-select protocol ID FSM-O/FSM-I
// negotiate before running the crypto handshake (spec §6's crypto contract
// "tag"), analogous to muxer.FrameMuxProtocolID for the muxing step.
const HandshakeProtocolID = "/switchcore/x25519-chacha20poly1305/1.0.0"

// SecureStream is an authenticated, encrypted duplex to a specific,
// verified peer — the output of a successful crypto handshake and the
// input to negotiator/muxer.
type SecureStream interface {
	io.Reader
	io.Writer
	Close() error

	// RemotePeerInfo is the identity the handshake verified the other
	// side to be, bound by its Ed25519 signature over the ephemeral
	// exchange.
	RemotePeerInfo() *identity.PeerInfo

	IsDialer() bool
	TransportType() transport.Type
}

// Handshaker runs the crypto handshake over a RawStream (or a
// Protector-wrapped one) and returns an authenticated SecureStream.
type Handshaker interface {
	Handshake(ctx context.Context, rs transport.RawStream, local *identity.Keypair) (SecureStream, error)
}

// X25519Handshaker implements Handshaker with an ephemeral X25519 key
// exchange authenticated by each side's long-term Ed25519 identity key,
// deriving the session cipher the way DeriveSessionKey already does for
// the teacher's per-stream encryption — applied here once per connection
// rather than once per substream, since muxing now happens above this
// layer.
type X25519Handshaker struct{}

func NewX25519Handshaker() *X25519Handshaker {
	return &X25519Handshaker{}
}

// handshakeMsg is: ephemeralPub(32) || identityPub(32) || signature(64).
const handshakeMsgSize = KeySize + 32 + 64

func (h *X25519Handshaker) Handshake(ctx context.Context, rs transport.RawStream, local *identity.Keypair) (SecureStream, error) {
	ephPriv, ephPub, err := GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	defer ZeroKey(&ephPriv)

	ourMsg := make([]byte, 0, handshakeMsgSize)
	ourMsg = append(ourMsg, ephPub[:]...)
	ourMsg = append(ourMsg, local.PublicKey...)
	ourMsg = append(ourMsg, local.Sign(ephPub[:])...)

	errCh := make(chan error, 1)
	go func() {
		_, err := rs.Write(ourMsg)
		errCh <- err
	}()

	theirMsg := make([]byte, handshakeMsgSize)
	if _, err := io.ReadFull(rs, theirMsg); err != nil {
		<-errCh
		return nil, fmt.Errorf("read handshake message: %w", err)
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("write handshake message: %w", err)
	}

	var theirEphPub [KeySize]byte
	copy(theirEphPub[:], theirMsg[:KeySize])
	theirIdentityPub := append([]byte(nil), theirMsg[KeySize:KeySize+32]...)
	theirSig := theirMsg[KeySize+32:]

	if !identity.Verify(theirIdentityPub, theirEphPub[:], theirSig) {
		return nil, fmt.Errorf("handshake signature verification failed")
	}

	sharedSecret, err := ComputeECDH(ephPriv, theirEphPub)
	if err != nil {
		return nil, fmt.Errorf("compute handshake ECDH: %w", err)
	}
	defer ZeroKey(&sharedSecret)

	isDialer := rs.IsDialer()
	var initiatorPub, responderPub [KeySize]byte
	if isDialer {
		initiatorPub, responderPub = ephPub, theirEphPub
	} else {
		initiatorPub, responderPub = theirEphPub, ephPub
	}

	sk := DeriveSessionKey(sharedSecret, 0, initiatorPub, responderPub, isDialer)
	rec := newRecordStream(rs, sk)

	remoteID := identity.DeriveFromPublicKey(theirIdentityPub)
	remotePeerInfo := identity.NewPeerInfo(remoteID)
	rs.SetPeerInfo(remotePeerInfo)

	return &secureStream{recordStream: rec, remote: remotePeerInfo, isDialer: isDialer, transportType: rs.TransportType()}, nil
}

type secureStream struct {
	*recordStream
	remote        *identity.PeerInfo
	isDialer      bool
	transportType transport.Type
}

func (s *secureStream) RemotePeerInfo() *identity.PeerInfo { return s.remote }
func (s *secureStream) IsDialer() bool                     { return s.isDialer }
func (s *secureStream) TransportType() transport.Type      { return s.transportType }
