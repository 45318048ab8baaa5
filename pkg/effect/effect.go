// Package effect implements the effect manager from spec §4.5: a FIFO
// intent queue, deterministic idempotency-key and intent-hash derivation,
// draining for dispatch, and capability/policy decision recording.
//
// Grounded on the teacher's obligation engine (pkg/runtime/obligation/engine.go
// and pkg/store/ledger/sql_ledger.go): both model a durable, leasable unit of
// outstanding work with a status lifecycle. This package keeps that queue/lease
// shape but replaces the teacher's retry-and-escalate obligation lifecycle with
// the spec's single-shot, content-addressed effect intent: one FIFO queue, no
// implicit retries, idempotency derived from content rather than a caller-supplied key.
package effect

import (
	"context"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// Intent is an effect an instance has asked the kernel to perform.
type Intent struct {
	OriginModuleID          string
	OriginInstanceKey       string
	EffectKind              string
	CapName                 string
	ParamsCBOR              []byte
	RequestedIdempotencyKey string
	EffectIndex             int
	EmittedAtSeq            uint64

	// Derived fields, populated by the manager on Enqueue.
	IdempotencyKey canonical.Hash
	IntentHash     canonical.Hash
}

// idempotencyPreimage mirrors the field set hashed to derive the idempotency
// key: hash_canonical({origin_module_id, origin_instance_key, effect_kind,
// params_cbor, requested_idempotency_key, effect_index, emitted_at_seq}).
type idempotencyPreimage struct {
	OriginModuleID          string `cbor:"origin_module_id"`
	OriginInstanceKey       string `cbor:"origin_instance_key"`
	EffectKind              string `cbor:"effect_kind"`
	ParamsCBOR              []byte `cbor:"params_cbor"`
	RequestedIdempotencyKey string `cbor:"requested_idempotency_key"`
	EffectIndex             int    `cbor:"effect_index"`
	EmittedAtSeq            uint64 `cbor:"emitted_at_seq"`
}

// DeriveIdempotencyKey computes the deterministic idempotency key for an intent.
func DeriveIdempotencyKey(in Intent) (canonical.Hash, error) {
	return canonical.HashValue(idempotencyPreimage{
		OriginModuleID:          in.OriginModuleID,
		OriginInstanceKey:       in.OriginInstanceKey,
		EffectKind:              in.EffectKind,
		ParamsCBOR:              in.ParamsCBOR,
		RequestedIdempotencyKey: in.RequestedIdempotencyKey,
		EffectIndex:             in.EffectIndex,
		EmittedAtSeq:            in.EmittedAtSeq,
	})
}

// intentPreimage is hashed (including the derived idempotency key) to produce
// the intent hash used as the journal correlation id and receipt lookup key:
// hash_canonical({kind, cap_name, params_cbor, idempotency_key}).
type intentPreimage struct {
	EffectKind     string `cbor:"kind"`
	CapName        string `cbor:"cap_name"`
	ParamsCBOR     []byte `cbor:"params_cbor"`
	IdempotencyKey string `cbor:"idempotency_key"`
}

// DeriveIntentHash computes the intent hash, assuming IdempotencyKey is set.
func DeriveIntentHash(in Intent) (canonical.Hash, error) {
	return canonical.HashValue(intentPreimage{
		EffectKind:     in.EffectKind,
		CapName:        in.CapName,
		ParamsCBOR:     in.ParamsCBOR,
		IdempotencyKey: in.IdempotencyKey.String(),
	})
}

// CapDecision records whether a capability bound the intent's effect kind.
type CapDecision struct {
	IntentHash canonical.Hash
	Granted    bool
	Reason     string
}

// PolicyDecision records the governance/policy verdict for an intent.
type PolicyDecision struct {
	IntentHash canonical.Hash
	Allowed    bool
	Reason     string
}

// Decisions is implemented by the journal so the manager can record cap and
// policy verdicts without importing pkg/journal (which in turn depends on
// this package's types for EffectIntent records).
type Decisions interface {
	AppendCapDecision(ctx context.Context, d CapDecision) error
	AppendPolicyDecision(ctx context.Context, d PolicyDecision) error
}

var (
	// ErrUnsupportedEffectKind is returned when no capability binding or
	// executor recognizes the requested effect kind.
	ErrUnsupportedEffectKind = kernelerrors.New(kernelerrors.CodeUnsupportedEffectKind, "", "no binding for effect kind")
	// ErrCapabilityMissing is returned when the origin instance lacks a
	// capability grant covering this effect kind.
	ErrCapabilityMissing = kernelerrors.New(kernelerrors.CodeCapabilityMissing, "", "no capability binding for effect")
	// ErrPolicyViolation is returned when governance policy rejects the intent.
	ErrPolicyViolation = kernelerrors.New(kernelerrors.CodePolicyViolation, "", "effect rejected by policy")
)

// Manager holds the single-writer FIFO intent queue. Enqueue/Drain are called
// only from the scheduler's tick loop, so the mutex here guards against
// concurrent reads (e.g. depth inspection from an observability endpoint)
// rather than concurrent writers.
type Manager struct {
	mu    sync.Mutex
	queue []Intent
}

// NewManager creates an empty effect manager.
func NewManager() *Manager {
	return &Manager{}
}

// Enqueue derives the intent's idempotency key and intent hash, then appends
// it to the tail of the FIFO queue.
func (m *Manager) Enqueue(in Intent) (Intent, error) {
	key, err := DeriveIdempotencyKey(in)
	if err != nil {
		return Intent{}, err
	}
	in.IdempotencyKey = key

	hash, err := DeriveIntentHash(in)
	if err != nil {
		return Intent{}, err
	}
	in.IntentHash = hash

	m.mu.Lock()
	m.queue = append(m.queue, in)
	m.mu.Unlock()
	return in, nil
}

// Drain removes and returns up to n intents from the head of the queue, in
// FIFO order.
func (m *Manager) Drain(n int) []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.queue) {
		n = len(m.queue)
	}
	out := make([]Intent, n)
	copy(out, m.queue[:n])
	m.queue = m.queue[n:]
	return out
}

// Len reports the current queue depth.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Snapshot returns a copy of the queue's current contents in FIFO order,
// without draining it. Used to serialize queued_effects into a kernel
// snapshot.
func (m *Manager) Snapshot() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Intent, len(m.queue))
	copy(out, m.queue)
	return out
}

// Restore replaces the queue's contents, used when loading a kernel
// snapshot. Intents are assumed already derived (IdempotencyKey/IntentHash set).
func (m *Manager) Restore(intents []Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append([]Intent(nil), intents...)
}

// Authorize checks a capability grant and a policy verdict for an intent and
// returns an error if either rejects the intent. The capability decision is
// always journaled; the policy decision is journaled only when the capability
// was granted.
func (m *Manager) Authorize(ctx context.Context, in Intent, capGranted bool, capReason string, policyAllowed bool, policyReason string, dec Decisions) error {
	cd := CapDecision{IntentHash: in.IntentHash, Granted: capGranted, Reason: capReason}
	if err := dec.AppendCapDecision(ctx, cd); err != nil {
		return err
	}
	if !capGranted {
		return ErrCapabilityMissing.WithPath(in.EffectKind)
	}

	pd := PolicyDecision{IntentHash: in.IntentHash, Allowed: policyAllowed, Reason: policyReason}
	if err := dec.AppendPolicyDecision(ctx, pd); err != nil {
		return err
	}
	if !policyAllowed {
		return ErrPolicyViolation.WithPath(in.EffectKind)
	}
	return nil
}
