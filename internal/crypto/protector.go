package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/postalsys/switchcore/internal/transport"
)

// pskInfo is the HKDF context string binding a pre-shared key to the
// per-connection record cipher a Protector installs.
const pskInfo = "switchcore-psk-v1"

// Protector wraps a dialed or accepted RawStream in a private-network
// layer before the crypto handshake ever runs, so that peers without the
// shared secret cannot even reach multistream-select. Protect must be
// called identically on both sides of a connection — it does not itself
// negotiate which protector is in use; that is a TransportRegistry/Switch
// configuration decision, not a per-connection one.
type Protector interface {
	Protect(ctx context.Context, rs transport.RawStream) (transport.RawStream, error)
}

// PSKProtector protects a RawStream with a single network-wide pre-shared
// key, deriving an independent record cipher per connection from a random
// salt exchanged in the clear at the start of the stream. This mirrors the
// teacher's sealed-box key schedule (ECDH replaced by a shared PSK) rather
// than inventing a new derivation.
type PSKProtector struct {
	psk [KeySize]byte
}

// NewPSKProtector creates a Protector from a 32-byte pre-shared key.
func NewPSKProtector(psk [KeySize]byte) *PSKProtector {
	return &PSKProtector{psk: psk}
}

func (p *PSKProtector) Protect(ctx context.Context, rs transport.RawStream) (transport.RawStream, error) {
	var salt [saltSize]byte

	if rs.IsDialer() {
		if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
			return nil, fmt.Errorf("generate psk salt: %w", err)
		}
		if _, err := rs.Write(salt[:]); err != nil {
			return nil, fmt.Errorf("write psk salt: %w", err)
		}
	} else {
		if _, err := io.ReadFull(rs, salt[:]); err != nil {
			return nil, fmt.Errorf("read psk salt: %w", err)
		}
	}

	var key [KeySize]byte
	reader := hkdf.New(sha256.New, p.psk[:], salt[:], []byte(pskInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return nil, fmt.Errorf("derive psk record key: %w", err)
	}

	sk := &SessionKey{key: key, isInitiator: rs.IsDialer()}
	return newRecordStream(rs, sk), nil
}

const saltSize = 16

// ManagementSealedProtector protects a RawStream like PSKProtector while
// additionally sealing a copy of the per-connection record key to a
// management public key (via SealedBox), so an operator holding the
// matching private key can later recover the record key and decrypt a
// capture of the connection out of band. This is the supplemented feature
// generalizing the teacher's sealed-box management visibility from a
// single mesh-wide secret down to a per-connection protector key.
type ManagementSealedProtector struct {
	psk *PSKProtector
	box *SealedBox

	mu           sync.Mutex
	sealedForLog [][]byte
}

// NewManagementSealedProtector builds a protector that both derives a PSK
// record cipher and seals its per-connection key to managementPub.
func NewManagementSealedProtector(psk [KeySize]byte, managementPub [KeySize]byte) *ManagementSealedProtector {
	return &ManagementSealedProtector{
		psk: NewPSKProtector(psk),
		box: NewSealedBox(managementPub),
	}
}

func (p *ManagementSealedProtector) Protect(ctx context.Context, rs transport.RawStream) (transport.RawStream, error) {
	protected, err := p.psk.Protect(ctx, rs)
	if err != nil {
		return nil, err
	}

	rec, ok := protected.(*recordStream)
	if !ok {
		return protected, nil
	}

	recordKey := rec.sk.Key()
	sealed, err := p.box.Seal(recordKey[:])
	if err != nil {
		return nil, fmt.Errorf("seal record key for management visibility: %w", err)
	}

	p.mu.Lock()
	p.sealedForLog = append(p.sealedForLog, sealed)
	p.mu.Unlock()

	return protected, nil
}

// SealedKeys returns the sealed per-connection record keys accumulated so
// far, for a caller (e.g. cmd/switchd) that wants to persist them alongside
// a packet capture for later operator decryption.
func (p *ManagementSealedProtector) SealedKeys() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sealedForLog))
	copy(out, p.sealedForLog)
	return out
}
