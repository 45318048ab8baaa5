// Package cellindex implements the persistent ordered key→state-hash map and
// its subtree Merkle root from spec §4.6: one entry per workflow instance
// cell, keyed by instance key, valued by the hash of that cell's current
// state.
//
// Grounded on the teacher's evidence Merkle tree builder
// (pkg/kernel/merkle.go): same "sort leaves lexicographically, hash each
// leaf with a domain-separation prefix, fold pairs bottom-up duplicating an
// odd last node" tree construction. This package drops the teacher's
// selective-disclosure machinery (EvidenceView/ViewPolicy/sealed fields,
// which have no SPEC_FULL analog) and keeps only the ordered-map-plus-root
// structure, retargeted to index cell state hashes instead of evidence pack
// fields.
package cellindex

import (
	"sort"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
)

const (
	leafPrefix = "cellindex:leaf:v1"
	nodePrefix = "cellindex:node:v1"
)

// Index is a persistent ordered key→state-hash map with a Merkle root over
// its current contents.
type Index struct {
	mu      sync.RWMutex
	entries map[string]canonical.Hash
}

// New creates an empty cell index.
func New() *Index {
	return &Index{entries: make(map[string]canonical.Hash)}
}

// Set records the current state hash for an instance key.
func (idx *Index) Set(instanceKey string, stateHash canonical.Hash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[instanceKey] = stateHash
}

// Get returns the state hash for an instance key, if present.
func (idx *Index) Get(instanceKey string) (canonical.Hash, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	h, ok := idx.entries[instanceKey]
	return h, ok
}

// Delete removes an instance key from the index (e.g. when a plan ends).
func (idx *Index) Delete(instanceKey string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.entries, instanceKey)
}

// Len reports how many instance keys are currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Entries returns a copy of the index's current key->state-hash contents.
// Used to serialize reducer_state_entries into a kernel snapshot.
func (idx *Index) Entries() map[string]canonical.Hash {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]canonical.Hash, len(idx.entries))
	for k, v := range idx.entries {
		out[k] = v
	}
	return out
}

// Restore replaces the index's contents wholesale, used when loading a
// kernel snapshot.
func (idx *Index) Restore(entries map[string]canonical.Hash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries = make(map[string]canonical.Hash, len(entries))
	for k, v := range entries {
		idx.entries[k] = v
	}
}

// sortedKeys returns the index's keys in ascending lexicographic order,
// matching the leaf ordering the Merkle root is computed over.
func (idx *Index) sortedKeys() []string {
	keys := make([]string, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// leafHash computes a domain-separated leaf hash for one (key, stateHash)
// pair: sha256(leafPrefix || 0x00 || key || 0x00 || stateHash).
func leafHash(key string, stateHash canonical.Hash) canonical.Hash {
	buf := make([]byte, 0, len(leafPrefix)+1+len(key)+1+len(stateHash))
	buf = append(buf, leafPrefix...)
	buf = append(buf, 0)
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = append(buf, stateHash[:]...)
	return canonical.HashBytes(buf)
}

// nodeHash computes a domain-separated internal node hash from two children.
func nodeHash(left, right canonical.Hash) canonical.Hash {
	buf := make([]byte, 0, len(nodePrefix)+1+len(left)+len(right))
	buf = append(buf, nodePrefix...)
	buf = append(buf, 0)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return canonical.HashBytes(buf)
}

// Root computes the Merkle root over the index's current entries, sorted by
// key. An empty index's root is the hash of an empty byte slice.
func (idx *Index) Root() canonical.Hash {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	keys := idx.sortedKeys()
	if len(keys) == 0 {
		return canonical.HashBytes(nil)
	}

	level := make([]canonical.Hash, len(keys))
	for i, k := range keys {
		level[i] = leafHash(k, idx.entries[k])
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]canonical.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = nodeHash(level[i], level[i+1])
		}
		level = next
	}
	return level[0]
}
