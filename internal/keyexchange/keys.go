package keyexchange

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
)

// SecretSize is the length of a derived shared secret.
const SecretSize = 32

// SentinelPublicKey is published when no real key pair could be generated.
const SentinelPublicKey = "mock-public-key"

// sentinelSecret stands in for any secret that cannot be derived.
var sentinelSecret = func() (s [SecretSize]byte) {
	for i := range s {
		s[i] = 1
	}
	return s
}()

// SentinelSecret returns the fixed secret used in degraded mode.
func SentinelSecret() [SecretSize]byte { return sentinelSecret }

// KeyPair is an ephemeral P-256 ECDH key pair. A KeyPair without a private
// key is the sentinel pair.
type KeyPair struct {
	private *ecdh.PrivateKey
	public  string
}

// GenerateKeyPair returns a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewKeyPair(priv), nil
}

// NewKeyPair wraps an existing private key.
func NewKeyPair(priv *ecdh.PrivateKey) *KeyPair {
	return &KeyPair{
		private: priv,
		public:  base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
	}
}

// SentinelKeyPair returns the insecure placeholder pair.
func SentinelKeyPair() *KeyPair {
	return &KeyPair{public: SentinelPublicKey}
}

// IsSentinel reports whether k is the placeholder pair.
func (k *KeyPair) IsSentinel() bool { return k.private == nil }

// PublicKey returns the base64 encoding of the raw uncompressed public point.
func (k *KeyPair) PublicKey() string { return k.public }

// DeriveSharedSecret computes SHA-256 over the 256-bit ECDH output against
// peerPublic (base64 raw point). The sentinel pair always yields the
// sentinel secret.
func (k *KeyPair) DeriveSharedSecret(peerPublic string) ([SecretSize]byte, error) {
	if k.IsSentinel() {
		return sentinelSecret, nil
	}

	raw, err := base64.StdEncoding.DecodeString(peerPublic)
	if err != nil {
		return [SecretSize]byte{}, fmt.Errorf("decode peer key: %w", err)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return [SecretSize]byte{}, fmt.Errorf("import peer key: %w", err)
	}
	bits, err := k.private.ECDH(pub)
	if err != nil {
		return [SecretSize]byte{}, fmt.Errorf("derive bits: %w", err)
	}
	return sha256.Sum256(bits), nil
}

// KeyMaterial is the outcome of one handshake. It is not modified after
// Handshake returns and is never persisted.
type KeyMaterial struct {
	local         *KeyPair
	publicKeys    map[string]string
	sharedSecrets map[string][SecretSize]byte
}

func newKeyMaterial(local *KeyPair) *KeyMaterial {
	return &KeyMaterial{
		local:         local,
		publicKeys:    make(map[string]string),
		sharedSecrets: make(map[string][SecretSize]byte),
	}
}

// LocalPublicKey returns the published local key.
func (m *KeyMaterial) LocalPublicKey() string { return m.local.PublicKey() }

// IsSentinel reports whether the local pair is the placeholder.
func (m *KeyMaterial) IsSentinel() bool { return m.local.IsSentinel() }

// Peers returns the peer IDs with a known public key, sorted.
func (m *KeyMaterial) Peers() []string {
	ids := make([]string, 0, len(m.publicKeys))
	for id := range m.publicKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PeerPublicKey returns the public key registered for peerID.
func (m *KeyMaterial) PeerPublicKey(peerID string) (string, bool) {
	k, ok := m.publicKeys[peerID]
	return k, ok
}

// SharedSecret returns the symmetric key shared with peerID.
func (m *KeyMaterial) SharedSecret(peerID string) ([SecretSize]byte, bool) {
	s, ok := m.sharedSecrets[peerID]
	return s, ok
}
