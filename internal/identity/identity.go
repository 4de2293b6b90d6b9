// Package identity provides peer identity and address-book types for the
// switch core: PeerId, signing keypairs, and PeerInfo.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/mr-tron/base58"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// IDSize is the size of a PeerId in bytes (128 bits).
	IDSize = 16
)

var (
	// ErrInvalidIDLength is returned when the decoded ID length is incorrect.
	ErrInvalidIDLength = errors.New("invalid peer id length: expected 16 bytes")

	// ErrInvalidEncoding is returned when a PeerId string fails to decode.
	ErrInvalidEncoding = errors.New("invalid base58 encoding for peer id")

	// ZeroPeerId represents an uninitialized PeerId.
	ZeroPeerId = PeerId{}
)

// PeerId is a stable binary identity for a peer. Its canonical rendering
// is base58, matching the ecosystem convention used by multiaddr/multistream
// peers rather than the teacher's hex AgentID.
type PeerId [IDSize]byte

// NewPeerId generates a new random PeerId using crypto/rand.
//
// Production callers should instead derive a PeerId from a Keypair's
// public key (see DeriveFromPublicKey) so that the id is bound to an
// authenticatable identity; NewPeerId exists for tests and throwaway
// dialers.
func NewPeerId() (PeerId, error) {
	var id PeerId
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroPeerId, fmt.Errorf("generate peer id: %w", err)
	}
	return id, nil
}

// DeriveFromPublicKey takes the first IDSize bytes of an Ed25519 public key
// as the identifier (no hashing). This is the binding the crypto handshake verifies:
// SecureStream.theirPeerInfo.id must equal DeriveFromPublicKey(remotePub).
func DeriveFromPublicKey(pub ed25519.PublicKey) PeerId {
	var id PeerId
	copy(id[:], pub[:IDSize])
	return id
}

// ParsePeerId parses a PeerId from its canonical base58 string.
func ParsePeerId(s string) (PeerId, error) {
	s = strings.TrimSpace(s)
	b, err := base58.Decode(s)
	if err != nil {
		return ZeroPeerId, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return FromBytes(b)
}

// FromBytes creates a PeerId from a byte slice.
func FromBytes(b []byte) (PeerId, error) {
	if len(b) != IDSize {
		return ZeroPeerId, fmt.Errorf("%w: got %d bytes", ErrInvalidIDLength, len(b))
	}
	var id PeerId
	copy(id[:], b)
	return id, nil
}

// String returns the canonical base58 rendering used as a map key.
func (id PeerId) String() string {
	return base58.Encode(id[:])
}

// ShortString returns a shortened rendering for logs.
func (id PeerId) ShortString() string {
	s := id.String()
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// Hex returns the hex rendering, useful for debug dumps of raw bytes.
func (id PeerId) Hex() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the PeerId as a byte slice.
func (id PeerId) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the PeerId is the zero value.
func (id PeerId) IsZero() bool {
	return id == ZeroPeerId
}

// Equal reports whether two PeerIds are the same identity.
func (id PeerId) Equal(other PeerId) bool {
	return id == other
}

// Keypair is an Ed25519 identity keypair. The PeerId of a node is derived
// from its public key (DeriveFromPublicKey), binding the two.
type Keypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeypair generates a new Ed25519 identity keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity keypair: %w", err)
	}
	return &Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

// KeypairFromPrivateKeyBytes reconstructs a Keypair from a raw 64-byte
// Ed25519 private key, the form persisted by switchd's identity file.
func KeypairFromPrivateKeyBytes(raw []byte) (*Keypair, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(append([]byte(nil), raw...))
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("derive public key from private key")
	}
	return &Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

// PeerId returns the PeerId bound to this keypair's public key.
func (k *Keypair) PeerId() PeerId {
	return DeriveFromPublicKey(k.PublicKey)
}

// Sign signs msg with the keypair's private key.
func (k *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.PrivateKey, msg)
}

// Verify verifies sig over msg against pub, returning true if it is a
// valid Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

// PeerInfo is { id, addrs }. Addresses are opaque multiaddrs but carry a
// transport tag as their first component (e.g. "/tcp/...", "/ws/...",
// "/p2p-circuit/ipfs/<b58>"). Safe for concurrent use: the Switch's
// ourPeerInfo and every connection's theirPeerInfo may be read and
// mutated (address learned, disconnect hook) from FSM callbacks running
// on different goroutines.
type PeerInfo struct {
	mu           sync.RWMutex
	Id           PeerId
	addrs        map[string]ma.Multiaddr
	onDisconnect []func(*PeerInfo)
}

// NewPeerInfo creates a PeerInfo for id with an optional initial address set.
func NewPeerInfo(id PeerId, addrs ...ma.Multiaddr) *PeerInfo {
	pi := &PeerInfo{
		Id:    id,
		addrs: make(map[string]ma.Multiaddr, len(addrs)),
	}
	for _, a := range addrs {
		pi.addrs[a.String()] = a
	}
	return pi
}

// Addrs returns a snapshot of the peer's known addresses, sorted by their
// string form (not insertion order) so callers iterating get deterministic
// fallback ordering.
func (p *PeerInfo) Addrs() []ma.Multiaddr {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ma.Multiaddr, 0, len(p.addrs))
	keys := make([]string, 0, len(p.addrs))
	for k := range p.addrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, p.addrs[k])
	}
	return out
}

// AddAddr records a newly learned address for the peer (idempotent).
func (p *PeerInfo) AddAddr(a ma.Multiaddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addrs == nil {
		p.addrs = make(map[string]ma.Multiaddr)
	}
	p.addrs[a.String()] = a
}

// HasAddr reports whether the exact address is already known.
func (p *PeerInfo) HasAddr(a ma.Multiaddr) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.addrs[a.String()]
	return ok
}

// TransportTags returns the set of transport tags (first multiaddr
// component, e.g. "tcp", "ws", "p2p-circuit") present across the peer's
// known addresses, in the order their first addresses appear in Addrs().
func (p *PeerInfo) TransportTags() []string {
	seen := make(map[string]bool)
	var tags []string
	for _, a := range p.Addrs() {
		tag := FirstComponent(a)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// FirstComponent returns the protocol name of a multiaddr's first
// component, e.g. "/tcp/4001/p2p/Qm..." -> "tcp".
func FirstComponent(a ma.Multiaddr) string {
	comps := ma.Split(a)
	if len(comps) == 0 {
		return ""
	}
	protos := comps[0].Protocols()
	if len(protos) == 0 {
		return ""
	}
	return protos[0].Name
}

// OnDisconnect registers a hook invoked by Disconnect.
func (p *PeerInfo) OnDisconnect(fn func(*PeerInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconnect = append(p.onDisconnect, fn)
}

// Disconnect runs registered disconnect hooks. Per DESIGN NOTES §9, the
// Switch calls this only on the remote PeerInfo during FSM DISCONNECTING
// entry, never on its own ourPeerInfo, since that is process-global.
func (p *PeerInfo) Disconnect() {
	p.mu.RLock()
	hooks := append([]func(*PeerInfo){}, p.onDisconnect...)
	p.mu.RUnlock()
	for _, fn := range hooks {
		fn(p)
	}
}
