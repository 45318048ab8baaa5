// Package journal implements the append-only, single-writer journal from
// spec §4.1: a closed set of typed record variants, each sequence-numbered
// and hash-chained to its predecessor, with range reads for replay.
//
// Grounded on the teacher's authoritative event log (pkg/kernel/event_log.go):
// same "Append assigns the next sequence number, computes a payload hash,
// folds it into a cumulative chain hash" design. This package generalizes the
// teacher's single EventEnvelope kind into the spec's closed record-kind
// algebra (Manifest, DomainEvent, EffectIntent, EffectReceipt, StreamFrame,
// CapDecision, PolicyDecision, PlanStarted, PlanResult, PlanEnded, Snapshot,
// Governance, Custom) and retargets hashing from RFC 8785 JCS to canonical CBOR.
package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// Kind identifies the closed set of record variants a journal may hold.
type Kind string

const (
	KindManifest       Kind = "Manifest"
	KindDomainEvent    Kind = "DomainEvent"
	KindEffectIntent   Kind = "EffectIntent"
	KindEffectReceipt  Kind = "EffectReceipt"
	KindStreamFrame    Kind = "StreamFrame"
	KindCapDecision    Kind = "CapDecision"
	KindPolicyDecision Kind = "PolicyDecision"
	KindPlanStarted    Kind = "PlanStarted"
	KindPlanResult     Kind = "PlanResult"
	KindPlanEnded      Kind = "PlanEnded"
	KindSnapshot       Kind = "Snapshot"
	KindGovernance     Kind = "Governance"
	KindCustom         Kind = "Custom"
)

// Record is one entry in the journal. Payload is the canonical-CBOR encoded
// body of the kind-specific record; callers decode it with canonical.Decode
// once they know the Kind.
type Record struct {
	Seq          uint64
	Kind         Kind
	Payload      []byte
	PayloadHash  canonical.Hash
	PreviousHash canonical.Hash
	Hash         canonical.Hash
}

// recordPreimage is hashed to produce Record.Hash, chaining each record to
// its predecessor exactly as the teacher's cumulativeHash does.
type recordPreimage struct {
	Seq          uint64 `cbor:"seq"`
	Kind         string `cbor:"kind"`
	PayloadHash  string `cbor:"payload_hash"`
	PreviousHash string `cbor:"previous_hash"`
}

var ErrNotFound = kernelerrors.New(kernelerrors.CodeJournal, "not_found", "record not found at sequence")
var ErrInvalidRange = kernelerrors.New(kernelerrors.CodeJournal, "invalid_range", "invalid sequence range")

// Journal is the append-only, single-writer record log.
type Journal interface {
	// Append encodes v canonically, appends it as a new record of the given
	// kind, and returns the committed sequence number.
	Append(ctx context.Context, kind Kind, v any) (uint64, error)

	// Get retrieves the record at seq.
	Get(ctx context.Context, seq uint64) (Record, error)

	// Range returns records in [start, end], inclusive, ascending by Seq.
	Range(ctx context.Context, start, end uint64) ([]Record, error)

	// LastSeq returns the highest committed sequence number (0 if empty).
	LastSeq() uint64

	// ChainHash returns the hash of the most recently committed record,
	// the root of the whole journal's hash chain.
	ChainHash() canonical.Hash
}

// InMemory is a reference Journal implementation.
type InMemory struct {
	mu        sync.RWMutex
	records   []Record
	chainHash canonical.Hash
}

// NewInMemory creates an empty journal.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (j *InMemory) Append(ctx context.Context, kind Kind, v any) (uint64, error) {
	payload, err := canonical.Encode(v)
	if err != nil {
		return 0, fmt.Errorf("journal: encode payload: %w", err)
	}
	payloadHash := canonical.HashBytes(payload)

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := uint64(len(j.records)) + 1
	prev := j.chainHash

	hash, err := canonical.HashValue(recordPreimage{
		Seq:          seq,
		Kind:         string(kind),
		PayloadHash:  payloadHash.String(),
		PreviousHash: prev.String(),
	})
	if err != nil {
		return 0, fmt.Errorf("journal: chain hash: %w", err)
	}

	rec := Record{
		Seq:          seq,
		Kind:         kind,
		Payload:      payload,
		PayloadHash:  payloadHash,
		PreviousHash: prev,
		Hash:         hash,
	}
	j.records = append(j.records, rec)
	j.chainHash = hash
	return seq, nil
}

func (j *InMemory) Get(ctx context.Context, seq uint64) (Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if seq == 0 || seq > uint64(len(j.records)) {
		return Record{}, ErrNotFound
	}
	return j.records[seq-1], nil
}

func (j *InMemory) Range(ctx context.Context, start, end uint64) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if start == 0 || start > end {
		return nil, ErrInvalidRange
	}
	maxSeq := uint64(len(j.records))
	if start > maxSeq {
		return []Record{}, nil
	}
	if end > maxSeq {
		end = maxSeq
	}
	out := make([]Record, end-start+1)
	copy(out, j.records[start-1:end])
	return out, nil
}

func (j *InMemory) LastSeq() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.records))
}

func (j *InMemory) ChainHash() canonical.Hash {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.chainHash
}
