// Package keyexchange establishes per-peer shared secrets for a chat session.
//
// A handshake generates an ephemeral P-256 key pair, publishes the public
// half to the key registry, fetches the peers' keys and derives one 32-byte
// secret per peer. No step aborts the handshake: failures are degraded
// around and reported as SoftFailures in the Result.
package keyexchange

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// PeerKey is a public key registered by one chat participant.
type PeerKey struct {
	ClientID  string `json:"client_id"`
	PublicKey string `json:"public_key"`
}

// Registry publishes and discovers public keys.
type Registry interface {
	ExchangeKey(ctx context.Context, chatID, clientID, publicKey string) (bool, error)
	PeerKeys(ctx context.Context, chatID string) ([]PeerKey, error)
}

// Result is the outcome of a handshake. Keys is always set.
type Result struct {
	Keys     *KeyMaterial
	Failures []*SoftFailure
}

// Degraded reports whether any step failed.
func (r Result) Degraded() bool { return len(r.Failures) > 0 }

// Failed reports whether step failed at least once.
func (r Result) Failed(step Step) bool {
	for _, f := range r.Failures {
		if f.Step == step {
			return true
		}
	}
	return false
}

// Err joins all failures, or returns nil for a clean handshake.
func (r Result) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Coordinator runs handshakes against a Registry.
type Coordinator struct {
	registry Registry
	generate func() (*KeyPair, error)
	log      *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithKeyGenerator replaces GenerateKeyPair.
func WithKeyGenerator(fn func() (*KeyPair, error)) Option {
	return func(c *Coordinator) { c.generate = fn }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(registry Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		generate: GenerateKeyPair,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// Handshake performs one key exchange for userID in chatID. It always
// returns key material, possibly sentinel and possibly with no peers.
func (c *Coordinator) Handshake(ctx context.Context, chatID, userID string) Result {
	log := c.log.With(zap.String("chat_id", chatID), zap.String("user_id", userID))
	var res Result
	fail := func(step Step, peerID string, kind error, err error) {
		f := &SoftFailure{Step: step, PeerID: peerID, Err: fmt.Errorf("%w: %v", kind, err)}
		res.Failures = append(res.Failures, f)
		if errors.Is(kind, ErrCrypto) {
			log.Error("key exchange degraded to sentinel key material", zap.Stringer("step", step), zap.String("peer_id", peerID), zap.Error(err))
		} else {
			log.Warn("key registry unavailable, continuing", zap.Stringer("step", step), zap.Error(err))
		}
	}

	local, err := c.generate()
	if err != nil || local == nil {
		if err == nil {
			err = errors.New("no key pair generated")
		}
		fail(StepKeyGeneration, "", ErrCrypto, err)
		local = SentinelKeyPair()
	}
	keys := newKeyMaterial(local)
	res.Keys = keys

	// The registry acknowledgement is not required to proceed.
	ok, err := c.registry.ExchangeKey(ctx, chatID, userID, local.PublicKey())
	switch {
	case err != nil:
		fail(StepPublish, "", ErrRegistry, err)
	case !ok:
		fail(StepPublish, "", ErrRegistry, errors.New("registry rejected public key"))
	}

	peers, err := c.registry.PeerKeys(ctx, chatID)
	if err != nil {
		fail(StepFetchPeers, "", ErrRegistry, err)
		peers = nil
	}

	for _, peer := range peers {
		if peer.ClientID == userID {
			continue
		}
		keys.publicKeys[peer.ClientID] = peer.PublicKey
		secret, err := local.DeriveSharedSecret(peer.PublicKey)
		if err != nil {
			fail(StepDerive, peer.ClientID, ErrCrypto, err)
			secret = sentinelSecret
		}
		keys.sharedSecrets[peer.ClientID] = secret
	}

	log.Info("key exchange completed",
		zap.Int("peers", len(keys.publicKeys)),
		zap.Bool("sentinel", keys.IsSentinel()),
		zap.Int("soft_failures", len(res.Failures)))
	return res
}
