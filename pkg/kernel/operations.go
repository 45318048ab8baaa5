package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/effect"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/manifestdef"
	"github.com/mindburn-labs/agentkernel/pkg/receipt"
	"github.com/mindburn-labs/agentkernel/pkg/snapshot"
	"github.com/mindburn-labs/agentkernel/pkg/workflow"
	"go.opentelemetry.io/otel/attribute"
)

// Schema names of the synthetic events the receipt pipeline re-ingresses
// (spec §4.8): a successful receipt's envelope, and the fault-path event for
// a receipt a module declines to accept.
const (
	schemaEffectReceiptEnvelope = "sys/EffectReceiptEnvelope@1"
	schemaEffectReceiptRejected = "sys/EffectReceiptRejected@1"
)

// SubmitDomainEvent journals an ingress domain event, advances the logical
// clock one tick, and routes the event through the workflow runtime and the
// plan runtime's trigger/AwaitEvent delivery. It is the entry point spec §4.6
// calls submit_domain_event.
func (k *Kernel) SubmitDomainEvent(ctx context.Context, evt workflow.Event) (err error) {
	ctx, finish := k.Telemetry.TrackOperation(ctx, "kernel.submit_domain_event",
		attribute.String("schema", evt.SchemaName))
	defer func() { finish(err) }()

	if err = k.journalAndIngest(ctx, evt); err != nil {
		return err
	}
	if k.Plans != nil {
		return k.Plans.onDomainEvent(ctx, evt)
	}
	return nil
}

// journalAndIngest journals evt in the workflow.DomainEvent shape a module's
// own raised events use, so replay's tail scan can decode every
// KindDomainEvent record uniformly regardless of whether it originated at
// the public ingress surface, was raised internally during a tick, or is a
// synthetic receipt envelope the receipt pipeline re-ingresses. Then routes
// it through the workflow runtime.
func (k *Kernel) journalAndIngest(ctx context.Context, evt workflow.Event) error {
	_, nowNs := k.Clock.Advance(0)

	payloadCBOR, err := canonical.Encode(evt.Payload)
	if err != nil {
		return fmt.Errorf("kernel: encode domain event payload: %w", err)
	}
	de := workflow.DomainEvent{Schema: evt.SchemaName, ValueCBOR: payloadCBOR, Key: evt.ExplicitKey}

	seq, err := k.Journal.Append(ctx, journal.KindDomainEvent, de)
	if err != nil {
		return fmt.Errorf("kernel: journal domain event: %w", err)
	}

	eventHash, err := canonical.HashValue(de)
	if err != nil {
		return fmt.Errorf("kernel: hash domain event: %w", err)
	}
	manifestHash, err := k.manifestHash()
	if err != nil {
		return err
	}

	base := workflow.Context{
		NowNS:         nowNs,
		LogicalNowNS:  nowNs,
		JournalHeight: seq,
		EventHash:     eventHash,
		ManifestHash:  manifestHash,
	}
	if k.Entropy != nil {
		base.Entropy = k.Entropy.Derive(eventHash.String(), 32)
	}

	return k.Workflow.Ingest(ctx, evt, base)
}

// HandleReceipt ingests an effect receipt: it recovers the receipt's origin,
// journals it, and re-ingresses it as a synthetic domain event targeted at
// the originating instance (spec §4.8). An unrecognized origin follows the
// fault path immediately; a redelivered receipt (same intent hash seen
// before) is a no-op past origin recovery, so retried delivery stays
// idempotent. Plan-origin intents route to PlanRuntime.OnReceipt instead of
// the workflow event-synthesis path, since a plan's AwaitReceipt step
// resumes directly from the decoded receipt value.
func (k *Kernel) HandleReceipt(ctx context.Context, r receipt.Receipt) (receipt.Origin, error) {
	origin, err := k.Receipts.Ingest(ctx, r)
	if err != nil {
		if _, jerr := k.Journal.Append(ctx, journal.KindEffectReceipt, rejectedReceipt{Receipt: r, Rejected: true}); jerr != nil {
			return receipt.Origin{}, jerr
		}
		return receipt.Origin{}, err
	}

	if k.Receipts.AlreadyProcessed(r.IntentHash) {
		return origin, nil
	}

	if _, err := k.Journal.Append(ctx, journal.KindEffectReceipt, rejectedReceipt{Receipt: r, Rejected: false}); err != nil {
		return receipt.Origin{}, err
	}

	if strings.HasPrefix(origin.ModuleID, planOriginPrefix) {
		if k.Plans != nil {
			if err := k.Plans.OnReceipt(ctx, origin, r); err != nil {
				return origin, err
			}
		}
		return origin, nil
	}

	if err := k.deliverWorkflowReceipt(ctx, origin, r); err != nil {
		return origin, err
	}
	return origin, nil
}

// deliverWorkflowReceipt settles origin's inflight bookkeeping and
// re-ingresses r as the sys/EffectReceiptEnvelope@1 event on success. A
// receipt the pipeline can't decode into that envelope follows spec §4.8's
// fault path: sys/EffectReceiptRejected@1 if the origin module subscribes to
// it, otherwise the instance is marked Failed, its remaining inflight
// intents are dropped, and a workflow.receipt_fault record is journaled in
// their place.
func (k *Kernel) deliverWorkflowReceipt(ctx context.Context, origin receipt.Origin, r receipt.Receipt) error {
	payload, faultErr := receiptEnvelopePayload(r)

	if faultErr == nil {
		k.Workflow.SettleIntent(origin.ModuleID, origin.InstanceKey, r.IntentHash)
		evt := workflow.Event{
			SchemaName:  schemaEffectReceiptEnvelope,
			Payload:     payload,
			ExplicitKey: []byte(origin.InstanceKey),
		}
		return k.journalAndIngest(ctx, evt)
	}

	if k.Workflow.Router.Subscribed(schemaEffectReceiptRejected, origin.ModuleID) {
		k.Workflow.SettleIntent(origin.ModuleID, origin.InstanceKey, r.IntentHash)
		evt := workflow.Event{
			SchemaName: schemaEffectReceiptRejected,
			Payload: map[string]any{
				"intent_hash": r.IntentHash.String(),
				"reason":      faultErr.Error(),
			},
			ExplicitKey: []byte(origin.InstanceKey),
		}
		return k.journalAndIngest(ctx, evt)
	}

	dropped := k.Workflow.MarkFailed(origin.ModuleID, origin.InstanceKey)
	_, err := k.Journal.Append(ctx, journal.KindCustom, receiptFaultRecord{
		Kind:           "workflow.receipt_fault",
		Workflow:       origin.ModuleID,
		InstanceKey:    origin.InstanceKey,
		IntentHash:     r.IntentHash,
		Reason:         faultErr.Error(),
		DroppedIntents: dropped,
	})
	return err
}

// receiptEnvelopePayload builds the sys/EffectReceiptEnvelope@1 payload for a
// successful receipt, or reports the fault reason a failed/unreadable
// receipt should route to the sys/EffectReceiptRejected@1 path instead.
func receiptEnvelopePayload(r receipt.Receipt) (map[string]any, error) {
	if !r.Success {
		return nil, fmt.Errorf("effect failed: %s", r.Error)
	}
	payload := map[string]any{
		"intent_hash": r.IntentHash.String(),
		"success":     true,
	}
	if r.OutputHash != (canonical.Hash{}) {
		payload["output_hash"] = r.OutputHash.String()
	}
	return payload, nil
}

type rejectedReceipt struct {
	Receipt  receipt.Receipt `cbor:"receipt"`
	Rejected bool            `cbor:"rejected"`
}

// receiptFaultRecord is journaled (KindCustom) when a receipt cannot be
// delivered and the origin module doesn't accept the rejected-event fault
// path either: the instance is marked Failed out of band, so this record is
// the only durable trace of why.
type receiptFaultRecord struct {
	Kind           string         `cbor:"kind"`
	Workflow       string         `cbor:"workflow"`
	InstanceKey    string         `cbor:"instance_key"`
	IntentHash     canonical.Hash `cbor:"intent_hash"`
	Reason         string         `cbor:"reason"`
	DroppedIntents []canonical.Hash `cbor:"dropped_intents"`
}

// HandleStreamFrame journals one frame of a streamed effect's output under
// its (instance, intent) monotonic sequence.
func (k *Kernel) HandleStreamFrame(ctx context.Context, instance, intentHash canonical.Hash, data []byte, final bool) (receipt.StreamFrame, error) {
	seq := k.Receipts.NextStreamSeq(instance, intentHash)
	frame := receipt.StreamFrame{IntentHash: intentHash, Seq: seq, Data: data, Final: final}
	if _, err := k.Journal.Append(ctx, journal.KindStreamFrame, frame); err != nil {
		return receipt.StreamFrame{}, err
	}
	return frame, nil
}

// DrainEffects removes and returns up to n queued effect intents for
// dispatch, the spec §4.5 drain_effects operation.
func (k *Kernel) DrainEffects(n int) []effect.Intent {
	return k.Effects.Drain(n)
}

// Tick advances the clock by deltaNs and pops the single next scheduled task,
// if any. Returning a nil task with no error means the scheduler is idle.
func (k *Kernel) Tick(ctx context.Context, deltaNs int64) (*schedulerTaskResult, error) {
	k.Clock.Advance(deltaNs)
	if k.Scheduler.Len() == 0 {
		return nil, nil
	}
	t, err := k.Scheduler.Next(ctx)
	if err != nil {
		return nil, err
	}
	return &schedulerTaskResult{TaskID: t.TaskID, TaskType: t.TaskType}, nil
}

// schedulerTaskResult is the externally visible shape of a popped task,
// decoupled from scheduler.Task so callers outside this module don't need to
// import pkg/scheduler just to read a tick's result.
type schedulerTaskResult struct {
	TaskID   string
	TaskType string
}

// TickUntilIdle repeatedly ticks with a zero clock delta until the scheduler
// has no more ready tasks, returning how many tasks were processed.
func (k *Kernel) TickUntilIdle(ctx context.Context) (int, error) {
	count := 0
	for {
		res, err := k.Tick(ctx, 0)
		if err != nil {
			return count, err
		}
		if res == nil {
			return count, nil
		}
		count++
	}
}

// QueryState returns the persisted state bytes for one workflow instance,
// or nil if the instance has no recorded state.
func (k *Kernel) QueryState(ctx context.Context, workflowName, instanceKey string) ([]byte, error) {
	idx := k.Workflow.CellIndex(workflowName)
	h, ok := idx.Get(instanceKey)
	if !ok {
		return nil, nil
	}
	return k.Store.GetBlob(ctx, h)
}

// ListCells returns every instance key and current state hash indexed for a
// workflow.
func (k *Kernel) ListCells(workflowName string) map[string]canonical.Hash {
	return k.Workflow.CellIndex(workflowName).Entries()
}

// ListDefs returns the module definitions declared by the active manifest.
func (k *Kernel) ListDefs() []manifestdef.ModuleDef {
	m := k.Manifest()
	if m == nil {
		return nil
	}
	return m.Modules
}

// GetDef looks up one module definition by name.
func (k *Kernel) GetDef(name string) (manifestdef.ModuleDef, bool) {
	for _, d := range k.ListDefs() {
		if d.Name == name {
			return d, true
		}
	}
	return manifestdef.ModuleDef{}, false
}

// Heights returns the journal's current height (its last committed
// sequence number).
func (k *Kernel) Heights() uint64 {
	return k.Journal.LastSeq()
}

// TailScanAfter returns every journal record committed after seq, up to the
// journal's current height.
func (k *Kernel) TailScanAfter(ctx context.Context, seq uint64) ([]journal.Record, error) {
	last := k.Journal.LastSeq()
	if seq >= last {
		return nil, nil
	}
	return k.Journal.Range(ctx, seq+1, last)
}

// CreateSnapshot assembles and stores a full kernel checkpoint from the
// runtime's current live state, the spec §4.11 create_snapshot operation.
func (k *Kernel) CreateSnapshot(ctx context.Context) (_ canonical.Hash, err error) {
	ctx, finish := k.Telemetry.TrackOperation(ctx, "kernel.create_snapshot")
	defer func() { finish(err) }()

	manifestHash, err := k.manifestHash()
	if err != nil {
		return canonical.Hash{}, err
	}
	if manifestHash == (canonical.Hash{}) {
		return canonical.Hash{}, errKernelNotReady
	}

	height, nowNs := k.Clock.Now()

	stateEntries := make(map[string]map[string]canonical.Hash)
	indexRoots := make(map[string]canonical.Hash)
	for _, w := range k.Workflow.Workflows() {
		idx := k.Workflow.CellIndex(w)
		stateEntries[w] = idx.Entries()
		indexRoots[w] = idx.Root()
	}

	var queued []snapshot.QueuedEffect
	for _, in := range k.Effects.Snapshot() {
		queued = append(queued, snapshot.QueuedEffect{
			OriginModuleID:          in.OriginModuleID,
			OriginInstanceKey:       in.OriginInstanceKey,
			EffectKind:              in.EffectKind,
			ParamsCBOR:              in.ParamsCBOR,
			RequestedIdempotencyKey: in.RequestedIdempotencyKey,
			EffectIndex:             in.EffectIndex,
			EmittedAtSeq:            in.EmittedAtSeq,
			IdempotencyKey:          in.IdempotencyKey,
			IntentHash:              in.IntentHash,
		})
	}

	snap := snapshot.Builder{
		Height:              height,
		ManifestHash:        manifestHash,
		LogicalNowNs:        nowNs,
		ReducerStateEntries: stateEntries,
		ReducerIndexRoots:   indexRoots,
		QueuedEffects:       queued,
		RecentReceipts:      k.Receipts.RecentHashes(),
	}.Build()

	hash, err := snapshot.Create(ctx, k.Store, snap)
	if err != nil {
		return canonical.Hash{}, err
	}

	// A snapshot is promotable only once every intent pending at this height
	// already has a matching receipt (spec §4.11): outstanding counts every
	// workflow instance's and plan instance's unsettled inflight intent,
	// not merely whether the dispatch queue has been drained — draining
	// hands an intent to an executor, it doesn't settle it.
	outstanding := k.Workflow.TotalInflight()
	if k.Plans != nil {
		outstanding += k.Plans.TotalInflight()
	}
	receiptHorizon := height
	if outstanding > 0 {
		receiptHorizon = height - 1
	}
	promotable := snapshot.Promotable(height, receiptHorizon)
	if _, err := k.Snapshots.Record(ctx, height, hash, promotable); err != nil {
		return canonical.Hash{}, err
	}
	return hash, nil
}

// ApplyProposal delegates to the governance package (propose, shadow, and
// approve are exposed on Kernel.Governor directly; it already has the
// complete, tested API) and additionally swaps the kernel's active manifest
// so subsequent invocations see it.
func (k *Kernel) ApplyProposal(ctx context.Context, proposalID uint64) (*manifestdef.Manifest, error) {
	m, err := k.Governor.Apply(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	k.SetManifest(m)
	return m, nil
}
