// Package snapshot implements checkpoint and reload from spec §4.11: a
// content-addressed snapshot of kernel state with a root-completeness guard
// on load, and baseline promotion gated on every pending intent at snapshot
// height already having a matching receipt.
//
// Grounded on the teacher's replay engine (pkg/replay/engine.go) for the
// "reconstruct from evidence, diverge loudly" posture, generalized from a
// per-run replay session into a whole-kernel checkpoint, and on the
// teacher's total-ordered event log (pkg/kernel/total_order_log.go) for the
// hash-chained, sequence-numbered commit record this package's Snapshot
// plays the role of — a single checkpoint standing in for however many
// chained commits preceded it.
package snapshot

import (
	"context"
	"sort"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
	"github.com/mindburn-labs/agentkernel/pkg/store"
)

var (
	// ErrUnavailable is returned when no promotable baseline snapshot exists.
	ErrUnavailable = kernelerrors.New(kernelerrors.CodeSnapshotUnavailable, "", "no snapshot available")
	// ErrDecode is returned when a stored snapshot node fails to decode.
	ErrDecode = kernelerrors.New(kernelerrors.CodeSnapshotDecode, "", "snapshot failed to decode")
	// ErrRootMissing is returned when a root-completeness member is not
	// reachable in the store. Always fail-closed, per spec §4.11.
	ErrRootMissing = kernelerrors.New(kernelerrors.CodeSnapshotUnavailable, "root_missing", "snapshot root-completeness check failed")
)

// Snapshot is the full kernel checkpoint object from spec §4.11.
type Snapshot struct {
	Height uint64 `cbor:"height"`

	// ReducerStateEntries is workflow name -> instance key -> persisted
	// state blob hash, mirroring every workflow's cellindex.Index contents.
	ReducerStateEntries map[string]map[string]canonical.Hash `cbor:"reducer_state_entries"`

	// ReducerIndexRoots is workflow name -> that workflow's cellindex Merkle
	// root at snapshot time.
	ReducerIndexRoots map[string]canonical.Hash `cbor:"reducer_index_roots"`

	QueuedEffects       []QueuedEffect    `cbor:"queued_effects"`
	PendingReceipts     []canonical.Hash  `cbor:"pending_reducer_receipts"`
	RecentReceipts      []canonical.Hash  `cbor:"recent_receipts"`
	WorkflowInstances   []string          `cbor:"workflow_instances"`
	PinnedWorkspaceRoots []canonical.Hash `cbor:"pinned_workspace_roots,omitempty"`

	LogicalNowNs int64          `cbor:"logical_now_ns"`
	ManifestHash canonical.Hash `cbor:"manifest_hash"`

	// RootCompleteness lists every hash this snapshot depends on: the
	// manifest hash, each per-instance state hash, and any pinned workspace
	// roots. Load MUST verify every one is reachable in the store before
	// returning the snapshot; a single missing root fails the whole load.
	RootCompleteness []canonical.Hash `cbor:"root_completeness"`
}

// QueuedEffect is the serializable shape of an in-flight effect intent,
// decoupled from pkg/effect.Intent so this package has no import-cycle risk
// and snapshot bytes stay stable even if the live Intent struct grows
// runtime-only bookkeeping fields.
type QueuedEffect struct {
	OriginModuleID          string         `cbor:"origin_module_id"`
	OriginInstanceKey       string         `cbor:"origin_instance_key"`
	EffectKind              string         `cbor:"effect_kind"`
	ParamsCBOR              []byte         `cbor:"params_cbor"`
	RequestedIdempotencyKey string         `cbor:"requested_idempotency_key"`
	EffectIndex             int            `cbor:"effect_index"`
	EmittedAtSeq            uint64         `cbor:"emitted_at_seq"`
	IdempotencyKey          canonical.Hash `cbor:"idempotency_key"`
	IntentHash              canonical.Hash `cbor:"intent_hash"`
}

// Builder assembles a Snapshot from the live state a caller hands it, then
// computes WorkflowInstances and RootCompleteness deterministically so two
// kernels with identical state produce byte-identical snapshots.
type Builder struct {
	Height               uint64
	ManifestHash         canonical.Hash
	LogicalNowNs         int64
	ReducerStateEntries  map[string]map[string]canonical.Hash
	ReducerIndexRoots    map[string]canonical.Hash
	QueuedEffects        []QueuedEffect
	PendingReceipts      []canonical.Hash
	RecentReceipts       []canonical.Hash
	PinnedWorkspaceRoots []canonical.Hash
}

// Build produces the Snapshot, with WorkflowInstances sorted for determinism
// and RootCompleteness assembled as manifest hash, then every per-instance
// state hash sorted by (workflow, instance key), then pinned workspace roots
// in the order given.
func (b Builder) Build() Snapshot {
	var instances []string
	for workflow, entries := range b.ReducerStateEntries {
		for key := range entries {
			instances = append(instances, workflow+"/"+key)
		}
	}
	sort.Strings(instances)

	roots := []canonical.Hash{b.ManifestHash}
	workflows := make([]string, 0, len(b.ReducerStateEntries))
	for w := range b.ReducerStateEntries {
		workflows = append(workflows, w)
	}
	sort.Strings(workflows)
	for _, w := range workflows {
		keys := make([]string, 0, len(b.ReducerStateEntries[w]))
		for k := range b.ReducerStateEntries[w] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			roots = append(roots, b.ReducerStateEntries[w][k])
		}
	}
	roots = append(roots, b.PinnedWorkspaceRoots...)

	return Snapshot{
		Height:               b.Height,
		ReducerStateEntries:  b.ReducerStateEntries,
		ReducerIndexRoots:    b.ReducerIndexRoots,
		QueuedEffects:        b.QueuedEffects,
		PendingReceipts:      b.PendingReceipts,
		RecentReceipts:       b.RecentReceipts,
		WorkflowInstances:    instances,
		PinnedWorkspaceRoots: b.PinnedWorkspaceRoots,
		LogicalNowNs:         b.LogicalNowNs,
		ManifestHash:         b.ManifestHash,
		RootCompleteness:     roots,
	}
}

// Create stores a Snapshot as a content-addressed node and returns its hash.
func Create(ctx context.Context, st store.Store, snap Snapshot) (canonical.Hash, error) {
	h, err := st.PutNode(ctx, snap)
	if err != nil {
		return canonical.Hash{}, err
	}
	return h, nil
}

// Load retrieves a snapshot by hash and verifies root completeness: the
// manifest hash must be a reachable node, and every per-instance state hash
// plus pinned workspace root must be a reachable blob or node respectively.
// Any missing root fails closed per spec §4.11.
func Load(ctx context.Context, st store.Store, h canonical.Hash) (*Snapshot, error) {
	var snap Snapshot
	if err := st.GetNode(ctx, h, &snap); err != nil {
		return nil, ErrDecode.Wrap(err).WithPath(h.String())
	}

	if ok, err := st.HasNode(ctx, snap.ManifestHash); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrRootMissing.WithPath("manifest_hash:" + snap.ManifestHash.String())
	}

	for _, entries := range snap.ReducerStateEntries {
		for _, stateHash := range entries {
			ok, err := st.HasBlob(ctx, stateHash)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, ErrRootMissing.WithPath("state:" + stateHash.String())
			}
		}
	}

	for _, root := range snap.PinnedWorkspaceRoots {
		ok, err := st.HasNode(ctx, root)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrRootMissing.WithPath("workspace:" + root.String())
		}
	}

	return &snap, nil
}

// Promotable reports whether a snapshot taken at the given height may be
// promoted to active baseline: every pending intent at that height must
// already have a matching receipt, i.e. receiptHorizonHeight == snapshotHeight.
func Promotable(snapshotHeight, receiptHorizonHeight uint64) bool {
	return receiptHorizonHeight == snapshotHeight
}
