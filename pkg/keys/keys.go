package keys

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeySize is the length of every key handled by this package
const KeySize = 32

var (
	// ErrEntropy is returned when the entropy source fails. Callers must not retry.
	ErrEntropy = errors.New("entropy source failed")
)

// Key is a 32-byte Curve25519 scalar, point or preshared secret
type Key [KeySize]byte

// String never renders key material
func (k Key) String() string {
	if k.IsZero() {
		return "<zero>"
	}
	return "<redacted>"
}

// Base64 returns the standard encoding used by WireGuard configuration files
func (k Key) Base64() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// IsZero reports whether every byte of k is zero
func (k Key) IsZero() bool {
	var acc byte
	for _, b := range k {
		acc |= b
	}
	return acc == 0
}

// WG converts k to the wgctrl key type
func (k Key) WG() wgtypes.Key {
	return wgtypes.Key(k)
}

// Zero overwrites the key in place
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// ParseKey decodes a base64 WireGuard key
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("invalid key length %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Identity is one side of a tunnel
type Identity struct {
	PrivateKey   Key
	PublicKey    Key
	PresharedKey Key
}

// Zero wipes all key material held by the identity
func (id *Identity) Zero() {
	if id == nil {
		return
	}
	id.PrivateKey.Zero()
	id.PublicKey.Zero()
	id.PresharedKey.Zero()
}

// Pair holds both halves of a point-to-point link. The two identities share
// one preshared key.
type Pair struct {
	Origin *Identity
	Relay  *Identity
}

// Zero wipes both identities
func (p *Pair) Zero() {
	if p == nil {
		return
	}
	p.Origin.Zero()
	p.Relay.Zero()
}

// Manager generates tunnel identities from an entropy source
type Manager struct {
	entropy io.Reader
}

// NewManager creates a manager reading from crypto/rand
func NewManager() *Manager {
	return &Manager{entropy: rand.Reader}
}

// NewManagerWithReader creates a manager reading from r
func NewManagerWithReader(r io.Reader) *Manager {
	return &Manager{entropy: r}
}

// Generate creates a fresh identity with its own preshared key
func (m *Manager) Generate() (*Identity, error) {
	priv, pub, err := m.keypair()
	if err != nil {
		return nil, err
	}

	psk, err := m.read()
	if err != nil {
		priv.Zero()
		return nil, err
	}

	return &Identity{PrivateKey: priv, PublicKey: pub, PresharedKey: psk}, nil
}

// GeneratePair creates the origin and relay identities for one deployment
func (m *Manager) GeneratePair() (*Pair, error) {
	origin, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("origin identity: %w", err)
	}

	relayPriv, relayPub, err := m.keypair()
	if err != nil {
		origin.Zero()
		return nil, fmt.Errorf("relay identity: %w", err)
	}

	relay := &Identity{
		PrivateKey:   relayPriv,
		PublicKey:    relayPub,
		PresharedKey: origin.PresharedKey,
	}
	return &Pair{Origin: origin, Relay: relay}, nil
}

func (m *Manager) keypair() (priv, pub Key, err error) {
	priv, err = m.read()
	if err != nil {
		return priv, pub, err
	}
	clamp(&priv)

	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		priv.Zero()
		return priv, pub, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

func (m *Manager) read() (Key, error) {
	var k Key
	if _, err := io.ReadFull(m.entropy, k[:]); err != nil {
		k.Zero()
		return k, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return k, nil
}

// clamp applies the RFC 7748 scalar clamping WireGuard expects
func clamp(k *Key) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
