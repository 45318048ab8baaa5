// Package store provides the two-tier content-addressed storage defined in
// spec §3: raw blobs hashed over their bytes, and structured nodes hashed over
// their canonical-CBOR encoding. Put is idempotent, get is deterministic, and
// absence is a typed error.
//
// Grounded on the teacher's content-addressed forensic blob store
// (pkg/kernel/blob_store.go): same Store/Get/Has/Delete/List shape, same
// content-addressing-means-put-is-idempotent behavior, generalized to also
// store canonical-CBOR "nodes" (typed structured values) alongside raw blobs.
package store

import (
	"context"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// ErrNotFound is returned by Get when the hash is absent from the store.
var ErrNotFound = kernelerrors.New(kernelerrors.CodeStore, "not_found", "blob or node not found")

// Store is the content-addressed store contract from spec §6.
type Store interface {
	PutBlob(ctx context.Context, b []byte) (canonical.Hash, error)
	GetBlob(ctx context.Context, h canonical.Hash) ([]byte, error)
	HasBlob(ctx context.Context, h canonical.Hash) (bool, error)

	// PutNode canonically encodes v and stores it; GetNode decodes into out.
	PutNode(ctx context.Context, v any) (canonical.Hash, error)
	GetNode(ctx context.Context, h canonical.Hash, out any) error
	HasNode(ctx context.Context, h canonical.Hash) (bool, error)
}

// InMemory is a reference Store implementation backed by two maps. Safe for
// concurrent use; the kernel's single-writer model makes the RWMutex mostly a
// read-side optimization for replicas reading a snapshot.
type InMemory struct {
	mu    sync.RWMutex
	blobs map[canonical.Hash][]byte
	nodes map[canonical.Hash][]byte
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		blobs: make(map[canonical.Hash][]byte),
		nodes: make(map[canonical.Hash][]byte),
	}
}

func (s *InMemory) PutBlob(ctx context.Context, b []byte) (canonical.Hash, error) {
	h := canonical.HashBytes(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[h]; !exists {
		cp := make([]byte, len(b))
		copy(cp, b)
		s.blobs[h] = cp
	}
	return h, nil
}

func (s *InMemory) GetBlob(ctx context.Context, h canonical.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[h]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (s *InMemory) HasBlob(ctx context.Context, h canonical.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[h]
	return ok, nil
}

func (s *InMemory) PutNode(ctx context.Context, v any) (canonical.Hash, error) {
	b, err := canonical.Encode(v)
	if err != nil {
		return canonical.Hash{}, err
	}
	h := canonical.HashBytes(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[h]; !exists {
		s.nodes[h] = b
	}
	return h, nil
}

func (s *InMemory) GetNode(ctx context.Context, h canonical.Hash, out any) error {
	s.mu.RLock()
	b, ok := s.nodes[h]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return canonical.Decode(b, out)
}

func (s *InMemory) HasNode(ctx context.Context, h canonical.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[h]
	return ok, nil
}
