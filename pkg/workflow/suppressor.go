package workflow

import (
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
)

// Suppressor tracks domain events regenerated during a replayed tick's
// recursive re-ingestion, so the journal tail scan that drives replay can
// recognize it already applied one and skip re-ingesting it when it reaches
// that event's own journal record — spec §4.11's "a per-hash counter of
// domain events generated-during-tick is consumed on replay" rule.
type Suppressor struct {
	mu     sync.Mutex
	counts map[canonical.Hash]int
}

// NewSuppressor creates an empty suppression counter for one replay run.
func NewSuppressor() *Suppressor {
	return &Suppressor{counts: make(map[canonical.Hash]int)}
}

// mark records that a domain event with hash h was produced and applied via
// recursive re-ingestion rather than from the tail scan's own walk.
func (s *Suppressor) mark(h canonical.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[h]++
}

// Consume reports whether h was already applied via recursion; if so it
// decrements the pending count and the caller must skip reapplying it.
func (s *Suppressor) Consume(h canonical.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[h] > 0 {
		s.counts[h]--
		return true
	}
	return false
}
