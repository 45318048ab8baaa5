package snapshot

import (
	"context"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/store"
)

// Record is the journaled entry for one snapshot, promoted or not.
type Record struct {
	Height   uint64         `cbor:"height"`
	Hash     canonical.Hash `cbor:"hash"`
	Promoted bool           `cbor:"promoted"`
}

// Registry tracks every snapshot taken and which one, if any, is the
// currently promoted baseline. Promotion is one-directional: once a higher
// snapshot is promoted it supersedes the previous baseline, per spec §4.11's
// "find the latest promotable baseline" startup rule.
type Registry struct {
	Store   store.Store
	Journal journal.Journal

	mu       sync.Mutex
	baseline *Record
}

// NewRegistry creates an empty snapshot registry.
func NewRegistry(st store.Store, jr journal.Journal) *Registry {
	return &Registry{Store: st, Journal: jr}
}

// Record journals a snapshot at the given height, marking it the new
// baseline if promoted is true and its height exceeds the current baseline's.
func (r *Registry) Record(ctx context.Context, height uint64, hash canonical.Hash, promoted bool) (uint64, error) {
	rec := Record{Height: height, Hash: hash, Promoted: promoted}
	seq, err := r.Journal.Append(ctx, journal.KindSnapshot, rec)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if promoted && (r.baseline == nil || height > r.baseline.Height) {
		cp := rec
		r.baseline = &cp
	}
	return seq, nil
}

// LatestBaseline returns the currently promoted baseline, if any.
func (r *Registry) LatestBaseline() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.baseline == nil {
		return Record{}, false
	}
	return *r.baseline, true
}

// RestoreBaseline sets the registry's in-memory baseline pointer from a
// snapshot record already present in the journal, without appending a new
// one. Called once by Kernel.Startup after FindLatestBaseline locates the
// latest promotable snapshot on a fresh process.
func (r *Registry) RestoreBaseline(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := rec
	r.baseline = &cp
}

// FindLatestBaseline scans the full journal for the highest-height promoted
// snapshot record — spec §4.11's "find the latest promotable baseline"
// startup rule — so a freshly opened kernel (with an empty in-memory
// Registry) can locate the baseline a previous process had promoted.
func FindLatestBaseline(ctx context.Context, j journal.Journal) (Record, bool, error) {
	last := j.LastSeq()
	if last == 0 {
		return Record{}, false, nil
	}
	records, err := j.Range(ctx, 1, last)
	if err != nil {
		return Record{}, false, err
	}

	var best Record
	found := false
	for _, rec := range records {
		if rec.Kind != journal.KindSnapshot {
			continue
		}
		var sr Record
		if err := canonical.Decode(rec.Payload, &sr); err != nil {
			continue
		}
		if sr.Promoted && (!found || sr.Height > best.Height) {
			best = sr
			found = true
		}
	}
	return best, found, nil
}

// CurrentBaseline implements governance.BaselineSource: it resolves the
// promoted baseline's hash and its canonical-encoded snapshot bytes, so a
// shadow run can simulate against exactly what is live without mutating it.
func (r *Registry) CurrentBaseline(ctx context.Context) (canonical.Hash, []byte, error) {
	base, ok := r.LatestBaseline()
	if !ok {
		return canonical.Hash{}, nil, ErrUnavailable
	}
	snap, err := Load(ctx, r.Store, base.Hash)
	if err != nil {
		return canonical.Hash{}, nil, err
	}
	b, err := canonical.Encode(snap)
	if err != nil {
		return canonical.Hash{}, nil, err
	}
	return base.Hash, b, nil
}
