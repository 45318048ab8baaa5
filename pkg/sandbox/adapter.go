package sandbox

import (
	"context"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/workflow"
)

// WorkflowAdapter implements workflow.Module over a raw Invoker, marshaling
// the runtime's structured Context/Event/Output into the canonical-CBOR
// envelopes the sandboxed module ABI exchanges as bytes.
type WorkflowAdapter struct {
	Invoker WorkflowInvoker
}

// inputEnvelope is the wire shape encoded to event_bytes. The ABI version is
// always its first field, per spec §6.
type inputEnvelope struct {
	ABIVersion int            `cbor:"abi_version"`
	Schema     string         `cbor:"schema"`
	Payload    map[string]any `cbor:"payload"`
	Key        []byte         `cbor:"key,omitempty"`
}

type ctxEnvelope struct {
	ABIVersion    int            `cbor:"abi_version"`
	NowNS         int64          `cbor:"now_ns"`
	LogicalNowNS  int64          `cbor:"logical_now_ns"`
	JournalHeight uint64         `cbor:"journal_height"`
	Entropy       []byte         `cbor:"entropy"`
	EventHash     canonical.Hash `cbor:"event_hash"`
	ManifestHash  canonical.Hash `cbor:"manifest_hash"`
	Workflow      string         `cbor:"workflow"`
	Key           []byte         `cbor:"key"`
	CellMode      string         `cbor:"cell_mode"`
}

type outputEnvelope struct {
	State        []byte                `cbor:"state,omitempty"`
	DomainEvents []domainEventEnvelope `cbor:"domain_events,omitempty"`
	Effects      []effectOutEnvelope   `cbor:"effects,omitempty"`
	Annotations  map[string]string     `cbor:"annotations,omitempty"`
}

type domainEventEnvelope struct {
	Schema    string `cbor:"schema"`
	ValueCBOR []byte `cbor:"value_cbor"`
	Key       []byte `cbor:"key,omitempty"`
}

type effectOutEnvelope struct {
	Kind                    string `cbor:"kind"`
	ParamsCBOR              []byte `cbor:"params_cbor"`
	CapSlot                 string `cbor:"cap_slot"`
	RequestedIdempotencyKey string `cbor:"requested_idempotency_key,omitempty"`
}

// Invoke implements workflow.Module: it encodes state/event/ctx, crosses the
// sandbox boundary, and decodes the module's output back into workflow.Output.
func (a *WorkflowAdapter) Invoke(ctx context.Context, state []byte, evt workflow.Event, wctx workflow.Context) (workflow.Output, error) {
	eventBytes, err := canonical.Encode(inputEnvelope{
		ABIVersion: ABIVersion,
		Schema:     evt.SchemaName,
		Payload:    evt.Payload,
		Key:        evt.ExplicitKey,
	})
	if err != nil {
		return workflow.Output{}, ErrSandbox.Wrap(err).WithPath("event")
	}

	ctxBytes, err := canonical.Encode(ctxEnvelope{
		ABIVersion:    ABIVersion,
		NowNS:         wctx.NowNS,
		LogicalNowNS:  wctx.LogicalNowNS,
		JournalHeight: wctx.JournalHeight,
		Entropy:       wctx.Entropy,
		EventHash:     wctx.EventHash,
		ManifestHash:  wctx.ManifestHash,
		Workflow:      wctx.Workflow,
		Key:           wctx.Key,
		CellMode:      wctx.CellMode,
	})
	if err != nil {
		return workflow.Output{}, ErrSandbox.Wrap(err).WithPath("ctx")
	}

	raw, err := a.Invoker.InvokeWorkflow(ctx, state, eventBytes, ctxBytes)
	if err != nil {
		return workflow.Output{}, err
	}

	var out outputEnvelope
	if err := canonical.Decode(raw, &out); err != nil {
		return workflow.Output{}, ErrSandbox.Wrap(err).WithPath("output")
	}

	result := workflow.Output{
		State:       out.State,
		Annotations: out.Annotations,
	}
	for _, de := range out.DomainEvents {
		result.DomainEvents = append(result.DomainEvents, workflow.DomainEvent{
			Schema:    de.Schema,
			ValueCBOR: de.ValueCBOR,
			Key:       de.Key,
		})
	}
	for _, e := range out.Effects {
		result.Effects = append(result.Effects, workflow.EffectOut{
			Kind:                    e.Kind,
			ParamsCBOR:              e.ParamsCBOR,
			CapSlot:                 e.CapSlot,
			RequestedIdempotencyKey: e.RequestedIdempotencyKey,
		})
	}
	return result, nil
}
