// Package governance implements the propose/shadow/approve/apply lifecycle
// from spec §4.10: a proposed manifest patch is canonicalized and stored,
// shadow-run against the promoted baseline plus a bounded replay tail,
// signed off by a quorum of approvers, and only then atomically swapped in
// as the active manifest.
//
// Grounded on the teacher's governed-activation state machine
// (pkg/governance/lifecycle.go's ExecuteActivation: verify a decision,
// validate preconditions, commit one state transition) and its PDP/decision
// engine (pkg/governance/pdp.go, pkg/governance/engine.go: a signed
// DecisionRecord gates a mutating action). The four spec operations are this
// package's generalization of that shape: Approve replaces the teacher's
// single PDP verdict with a quorum of independently signed approval records,
// and Apply replaces ExecuteActivation's ApplyPhenotype call with an atomic
// manifest swap journaled for replay convergence.
package governance

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
)

// KeyProvider abstracts the signing backend, so an in-memory key can be
// swapped for an HSM or KMS-backed provider without changing Keyring's
// callers. Grounded on the teacher's KeyProvider (pkg/governance/keyring.go).
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is an in-process ed25519 signer, suitable for tests and
// single-node deployments.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh ed25519 keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) { return ed25519.Sign(m.priv, msg), nil }
func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey    { return m.pub }

// Keyring signs governance records over their canonical CBOR encoding, so
// approval and manifest signatures are taken over the same deterministic
// byte representation every hash in the kernel is taken over (the teacher
// signs over encoding/json instead, since it has no canonical-CBOR layer).
type Keyring struct {
	provider KeyProvider
}

// NewKeyring wraps a KeyProvider. A nil provider falls back to a fresh
// in-memory key, matching the teacher's fail-soft default.
func NewKeyring(p KeyProvider) *Keyring {
	if p == nil {
		p, _ = NewMemoryKeyProvider()
	}
	return &Keyring{provider: p}
}

// Sign canonically encodes v and signs the resulting bytes.
func (k *Keyring) Sign(v any) ([]byte, error) {
	b, err := canonical.Encode(v)
	if err != nil {
		return nil, err
	}
	return k.provider.Sign(b)
}

// Verify checks sig against v's canonical encoding under pub.
func Verify(pub ed25519.PublicKey, v any, sig []byte) (bool, error) {
	b, err := canonical.Encode(v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, b, sig), nil
}

// PublicKey returns the keyring's verification key.
func (k *Keyring) PublicKey() ed25519.PublicKey { return k.provider.PublicKey() }
