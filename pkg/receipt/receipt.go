// Package receipt implements the receipt and stream pipeline from spec §4.8:
// origin recovery by intent hash, receipt ingestion with a fault path for
// unrecognized or schema-invalid receipts, monotonic per-(instance,intent)
// stream-frame sequencing, and a bounded recent-receipts set for replay
// idempotence.
//
// Grounded on the teacher's receipt stores (pkg/store/receipt_store.go,
// pkg/store/receipt_store_sqlite.go): same Get/GetByReceiptID/List/Store shape
// keyed by decision/effect id, generalized here to key by intent hash (the
// spec's content-addressed correlation id) instead of a caller-assigned
// decision id, and with an explicit bounded in-memory dedup window instead of
// the teacher's unbounded table scan.
package receipt

import (
	"container/list"
	"context"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
)

// Receipt is the outcome of an effect execution, correlated back to its
// originating intent by hash.
type Receipt struct {
	IntentHash canonical.Hash
	Success    bool
	OutputHash canonical.Hash
	Error      string
}

// Origin is the journal location a receipt's intent was emitted from,
// recovered so the receipt can be routed back to the right instance.
type Origin struct {
	ModuleID    string
	InstanceKey string
	EffectIndex int
}

// OriginRecovery resolves an intent hash back to the instance that emitted
// it. Implemented by the journal, which retains the EffectIntent record.
type OriginRecovery interface {
	RecoverOrigin(ctx context.Context, intentHash canonical.Hash) (Origin, bool, error)
}

// ErrUnknownReceipt is returned when a receipt's intent hash has no recorded
// origin: the fault path raises sys/EffectReceiptRejected@1 rather than
// routing to an instance.
var ErrUnknownReceipt = kernelerrors.New(kernelerrors.CodeUnknownReceipt, "", "receipt has no known origin intent")

// StreamFrame is one frame of a streamed effect's output, ordered by a
// per-(instance,intent) monotonic sequence number.
type StreamFrame struct {
	IntentHash canonical.Hash
	Seq        uint64
	Data       []byte
	Final      bool
}

// streamKey identifies one stream's monotonic counter.
type streamKey struct {
	instance canonical.Hash
	intent   canonical.Hash
}

// Pipeline ingests receipts and stream frames, recovers origins, and
// enforces replay idempotence over a bounded recent-receipts window.
type Pipeline struct {
	origins OriginRecovery

	mu        sync.Mutex
	seqs      map[streamKey]uint64
	recent    *list.List // of canonical.Hash, most-recent at back
	recentSet map[canonical.Hash]*list.Element
	window    int
}

// NewPipeline creates a receipt pipeline. window bounds how many distinct
// intent hashes are remembered for replay-idempotence suppression; older
// entries are evicted LRU-style.
func NewPipeline(origins OriginRecovery, window int) *Pipeline {
	if window <= 0 {
		window = 512
	}
	return &Pipeline{
		origins:   origins,
		seqs:      make(map[streamKey]uint64),
		recent:    list.New(),
		recentSet: make(map[canonical.Hash]*list.Element),
		window:    window,
	}
}

// Ingest resolves a receipt's origin. A receipt with no known origin follows
// the fault path: the caller should raise sys/EffectReceiptRejected@1 when
// ErrUnknownReceipt is returned.
func (p *Pipeline) Ingest(ctx context.Context, r Receipt) (Origin, error) {
	origin, ok, err := p.origins.RecoverOrigin(ctx, r.IntentHash)
	if err != nil {
		return Origin{}, err
	}
	if !ok {
		return Origin{}, ErrUnknownReceipt.WithPath(r.IntentHash.String())
	}
	return origin, nil
}

// AlreadyProcessed reports whether intentHash was already ingested within the
// current replay-idempotence window, marking it as seen if not. Used during
// snapshot-tail replay to suppress re-applying a receipt generated earlier in
// the same tick.
func (p *Pipeline) AlreadyProcessed(intentHash canonical.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.recentSet[intentHash]; ok {
		p.recent.MoveToBack(el)
		return true
	}

	el := p.recent.PushBack(intentHash)
	p.recentSet[intentHash] = el
	if p.recent.Len() > p.window {
		oldest := p.recent.Front()
		p.recent.Remove(oldest)
		delete(p.recentSet, oldest.Value.(canonical.Hash))
	}
	return false
}

// NextStreamSeq returns the next monotonic sequence number for a
// (instance, intent) stream, starting at 1.
func (p *Pipeline) NextStreamSeq(instance, intentHash canonical.Hash) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := streamKey{instance: instance, intent: intentHash}
	p.seqs[k]++
	return p.seqs[k]
}

// RecentHashes returns the intent hashes currently held in the
// replay-idempotence window, oldest first. Used to serialize recent_receipts
// into a kernel snapshot.
func (p *Pipeline) RecentHashes() []canonical.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]canonical.Hash, 0, p.recent.Len())
	for el := p.recent.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(canonical.Hash))
	}
	return out
}

// RestoreRecent repopulates the replay-idempotence window from a snapshot,
// oldest first, evicting down to the configured window size if needed.
func (p *Pipeline) RestoreRecent(hashes []canonical.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent = list.New()
	p.recentSet = make(map[canonical.Hash]*list.Element)
	start := 0
	if len(hashes) > p.window {
		start = len(hashes) - p.window
	}
	for _, h := range hashes[start:] {
		el := p.recent.PushBack(h)
		p.recentSet[h] = el
	}
}
