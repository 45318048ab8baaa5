package kernel

import (
	"context"
	"fmt"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/effect"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/manifestdef"
	"github.com/mindburn-labs/agentkernel/pkg/snapshot"
	"github.com/mindburn-labs/agentkernel/pkg/workflow"
)

// manifestRecord mirrors governance's manifestJournalEntry (ProposalID,
// Manifest), the shape a KindManifest record is journaled in whenever
// governance.Apply swaps the active manifest. Declared untagged, matching
// the teacher's field-name-keyed CBOR, so it decodes manifestJournalEntry's
// bytes without pkg/kernel importing pkg/governance for one struct shape.
type manifestRecord struct {
	ProposalID uint64
	Manifest   *manifestdef.Manifest
}

// Startup implements spec §4.11's replay rule: "find the latest promotable
// baseline, load its snapshot, then replay all journal records with seq >
// baseline." It restores the effect queue, recent-receipts window, and every
// workflow's cell index from the baseline snapshot (if one exists), then
// walks the journal tail through the workflow runtime so a freshly opened
// kernel converges to the same state a live one reached — the property
// spec §8 scenario 6 requires of reopening after a snapshot.
func (k *Kernel) Startup(ctx context.Context) (err error) {
	ctx, finish := k.Telemetry.TrackOperation(ctx, "kernel.startup")
	defer func() { finish(err) }()

	var baselineHeight uint64
	rec, ok, err := snapshot.FindLatestBaseline(ctx, k.Journal)
	if err != nil {
		return fmt.Errorf("kernel: scan journal for baseline: %w", err)
	}
	if ok {
		snap, err := snapshot.Load(ctx, k.Store, rec.Hash)
		if err != nil {
			return fmt.Errorf("kernel: load baseline snapshot: %w", err)
		}
		k.Snapshots.RestoreBaseline(rec)
		k.restoreFromSnapshot(*snap)
		baselineHeight = snap.Height
	}

	last := k.Journal.LastSeq()
	if last <= baselineHeight {
		return nil
	}
	records, err := k.Journal.Range(ctx, baselineHeight+1, last)
	if err != nil {
		return fmt.Errorf("kernel: range journal tail: %w", err)
	}

	suppress := workflow.NewSuppressor()
	for _, r := range records {
		if err := k.replayRecord(ctx, r, suppress); err != nil {
			return fmt.Errorf("kernel: replay seq %d: %w", r.Seq, err)
		}
	}
	return nil
}

// restoreFromSnapshot repopulates every collaborator that Startup needs live
// in memory before the tail scan begins: the per-workflow cell indexes, the
// effect manager's pending-intent queue, and the receipt pipeline's
// replay-idempotence window.
func (k *Kernel) restoreFromSnapshot(snap snapshot.Snapshot) {
	for workflowName, entries := range snap.ReducerStateEntries {
		idx := k.Workflow.CellIndex(workflowName)
		for key, h := range entries {
			idx.Set(key, h)
		}
	}

	intents := make([]effect.Intent, 0, len(snap.QueuedEffects))
	for _, q := range snap.QueuedEffects {
		intents = append(intents, effect.Intent{
			OriginModuleID:          q.OriginModuleID,
			OriginInstanceKey:       q.OriginInstanceKey,
			EffectKind:              q.EffectKind,
			ParamsCBOR:              q.ParamsCBOR,
			RequestedIdempotencyKey: q.RequestedIdempotencyKey,
			EffectIndex:             q.EffectIndex,
			EmittedAtSeq:            q.EmittedAtSeq,
			IdempotencyKey:          q.IdempotencyKey,
			IntentHash:              q.IntentHash,
		})
	}
	k.Effects.Restore(intents)

	k.Receipts.RestoreRecent(snap.RecentReceipts)
}

// replayRecord applies one journal record during tail replay. Only kinds
// that carry live, reconstructable state are handled; decision and
// bookkeeping records (CapDecision, PolicyDecision, EffectIntent, Snapshot,
// Governance, StreamFrame, Custom) need no replay action of their own — an
// EffectIntent record's effect is reproduced deterministically when its
// owning DomainEvent record is replayed, exactly as it was emitted live.
func (k *Kernel) replayRecord(ctx context.Context, r journal.Record, suppress *workflow.Suppressor) error {
	switch r.Kind {
	case journal.KindManifest:
		var mr manifestRecord
		if err := canonical.Decode(r.Payload, &mr); err != nil {
			return fmt.Errorf("decode manifest record: %w", err)
		}
		k.SetManifest(mr.Manifest)
		return nil

	case journal.KindDomainEvent:
		return k.replayDomainEvent(ctx, r, suppress)

	case journal.KindEffectReceipt:
		var rr rejectedReceipt
		if err := canonical.Decode(r.Payload, &rr); err != nil {
			return fmt.Errorf("decode receipt record: %w", err)
		}
		k.Receipts.AlreadyProcessed(rr.Receipt.IntentHash)
		return nil

	default:
		return nil
	}
}

func (k *Kernel) replayDomainEvent(ctx context.Context, r journal.Record, suppress *workflow.Suppressor) error {
	var de workflow.DomainEvent
	if err := canonical.Decode(r.Payload, &de); err != nil {
		return fmt.Errorf("decode domain event record: %w", err)
	}

	eventHash, err := canonical.HashValue(de)
	if err != nil {
		return fmt.Errorf("hash domain event record: %w", err)
	}

	// Events generated-during-tick were already applied recursively when
	// their originating tick replayed; skip re-ingesting this record.
	if suppress.Consume(eventHash) {
		return nil
	}

	var payload map[string]any
	if err := canonical.Decode(de.ValueCBOR, &payload); err != nil {
		return fmt.Errorf("decode domain event payload: %w", err)
	}

	manifestHash, err := k.manifestHash()
	if err != nil {
		return err
	}

	// Not suppressed means this was a genuine top-level ingress in the
	// original run, which advanced the clock exactly once; mirror that here.
	_, nowNs := k.Clock.Advance(0)
	base := workflow.Context{
		NowNS:         nowNs,
		LogicalNowNS:  nowNs,
		JournalHeight: r.Seq,
		EventHash:     eventHash,
		ManifestHash:  manifestHash,
	}
	if k.Entropy != nil {
		base.Entropy = k.Entropy.Derive(eventHash.String(), 32)
	}

	return k.Workflow.IngestReplay(ctx, workflow.Event{SchemaName: de.Schema, Payload: payload, ExplicitKey: de.Key}, base, suppress)
}
