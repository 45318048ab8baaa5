package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/effect"
	"github.com/mindburn-labs/agentkernel/pkg/expr"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/plan"
	"github.com/mindburn-labs/agentkernel/pkg/receipt"
	"github.com/mindburn-labs/agentkernel/pkg/workflow"
)

// planOriginPrefix marks an effect.Intent's OriginModuleID as belonging to a
// plan instance rather than a workflow module, so receipt delivery knows
// which of the two runtimes owns an incoming receipt's origin.
const planOriginPrefix = "plan:"

// PlanRuntime is the kernel's trigger-started, manifest-declared plan
// runtime (spec §4.7): it owns every live plan.Instance, starts new ones
// when an ingested domain event matches a manifest trigger, and implements
// plan.Machine's three collaborator interfaces by routing through the same
// effect queue, capability resolver, and event ingress a workflow module
// uses.
type PlanRuntime struct {
	Kernel  *Kernel
	Machine *plan.Machine
	Policy  workflow.PolicyChecker

	mu         sync.Mutex
	plans      map[string]*plan.Plan
	instances  map[string]*planInstanceEntry
	nextHandle uint64
}

type planInstanceEntry struct {
	planID      string
	inst        *plan.Instance
	parent      string // handle of the instance that spawned this one, "" if trigger-started
	effectIndex int
}

// NewPlanRuntime builds a plan runtime bound to k. Plans are registered with
// RegisterPlan once loaded (e.g. from the manifest's plan bundle), mirroring
// how modules are registered into k.Workflow's ModuleRegistry.
func NewPlanRuntime(k *Kernel, ev *expr.Evaluator) *PlanRuntime {
	r := &PlanRuntime{
		Kernel:    k,
		Policy:    workflow.AllowAll{},
		plans:     make(map[string]*plan.Plan),
		instances: make(map[string]*planInstanceEntry),
	}
	r.Machine = plan.NewMachine(ev, r, r, r, nil)
	return r
}

// RegisterPlan adds p to the set of plans triggers and Spawn/SpawnForEach
// steps may reference by id.
func (r *PlanRuntime) RegisterPlan(p *plan.Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.ID] = p
}

type planHandleKeyType struct{}

var planHandleKey planHandleKeyType

func withPlanHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, planHandleKey, handle)
}

func planHandleFrom(ctx context.Context) string {
	h, _ := ctx.Value(planHandleKey).(string)
	return h
}

func (r *PlanRuntime) allocHandle(planID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandle++
	return fmt.Sprintf("%s-%d", planID, r.nextHandle)
}

func isTerminal(s plan.Status) bool {
	return s == plan.StatusCompleted || s == plan.StatusFailed
}

// TotalInflight counts live plan instances currently suspended awaiting a
// receipt: the plan-side half of the kernel's snapshot receipt-horizon
// computation, alongside workflow.Runtime.TotalInflight.
func (r *PlanRuntime) TotalInflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, pe := range r.instances {
		if pe.inst != nil && pe.inst.Status == plan.StatusSuspended && pe.inst.ReceiptWaiter != nil {
			n++
		}
	}
	return n
}

// StartTrigger instantiates planID with payload as its input, the action a
// manifest TriggerDef takes once its event schema matches.
func (r *PlanRuntime) StartTrigger(ctx context.Context, planID string, payload any) (string, error) {
	r.mu.Lock()
	p, ok := r.plans[planID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("kernel: trigger references unregistered plan %q", planID)
	}
	return r.startInstance(ctx, p, payload, "")
}

func (r *PlanRuntime) startInstance(ctx context.Context, p *plan.Plan, input any, parent string) (string, error) {
	handle := r.allocHandle(p.ID)
	r.mu.Lock()
	r.instances[handle] = &planInstanceEntry{planID: p.ID, parent: parent}
	r.mu.Unlock()

	inst, err := r.Machine.Start(withPlanHandle(ctx, handle), p, input)

	r.mu.Lock()
	r.instances[handle].inst = inst
	r.mu.Unlock()

	if err != nil {
		return handle, err
	}
	return handle, r.propagateIfDone(ctx, handle)
}

// propagateIfDone delivers handle's result to its parent's AwaitPlan waiter
// once handle's instance reaches a terminal status, and recurses upward
// since that delivery may itself complete the parent.
func (r *PlanRuntime) propagateIfDone(ctx context.Context, handle string) error {
	r.mu.Lock()
	pe, ok := r.instances[handle]
	r.mu.Unlock()
	if !ok || pe.inst == nil || !isTerminal(pe.inst.Status) || pe.parent == "" {
		return nil
	}

	r.mu.Lock()
	parentEntry, ok := r.instances[pe.parent]
	r.mu.Unlock()
	if !ok || parentEntry.inst == nil {
		return nil
	}
	r.mu.Lock()
	parentPlan, ok := r.plans[parentEntry.planID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("kernel: parent instance references unregistered plan %q", parentEntry.planID)
	}

	result := plan.ChildResult{
		Ok:      pe.inst.Status == plan.StatusCompleted,
		Value:   pe.inst.Result,
		Code:    pe.inst.ErrorCode,
		Message: pe.inst.ErrorMsg,
	}
	pctx := withPlanHandle(ctx, pe.parent)
	if err := r.Machine.DeliverChildResult(pctx, parentPlan, parentEntry.inst, handle, result); err != nil {
		return err
	}
	return r.propagateIfDone(ctx, pe.parent)
}

// onDomainEvent starts one plan instance per manifest trigger matching evt's
// schema whose Where guard, if set, evaluates to true over the event, then
// delivers evt to every suspended instance's AwaitEvent waiter for that
// schema. Called from SubmitDomainEvent after the event has routed through
// the workflow runtime.
func (r *PlanRuntime) onDomainEvent(ctx context.Context, evt workflow.Event) error {
	m := r.Kernel.Manifest()
	if m != nil {
		for _, t := range m.TriggersFor(evt.SchemaName) {
			if t.Where != "" {
				v, err := r.Machine.Expr.Eval(t.Where, expr.Input{Event: evt.Payload})
				if err != nil {
					return err
				}
				if pass, _ := v.(bool); !pass {
					continue
				}
			}
			if _, err := r.StartTrigger(ctx, t.Plan, evt.Payload); err != nil {
				return err
			}
		}
	}

	r.mu.Lock()
	var waiting []string
	for handle, pe := range r.instances {
		if pe.inst != nil && pe.inst.Status == plan.StatusSuspended &&
			pe.inst.EventWaiter != nil && pe.inst.EventWaiter.Schema == evt.SchemaName {
			waiting = append(waiting, handle)
		}
	}
	r.mu.Unlock()

	for _, handle := range waiting {
		if err := r.deliverEvent(ctx, handle, evt.SchemaName, evt.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *PlanRuntime) deliverEvent(ctx context.Context, handle, schemaName string, payload any) error {
	r.mu.Lock()
	pe, ok := r.instances[handle]
	r.mu.Unlock()
	if !ok || pe.inst == nil {
		return nil
	}
	r.mu.Lock()
	p, ok := r.plans[pe.planID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("kernel: instance references unregistered plan %q", pe.planID)
	}

	if _, err := r.Machine.DeliverEvent(withPlanHandle(ctx, handle), p, pe.inst, schemaName, payload); err != nil {
		return err
	}
	return r.propagateIfDone(ctx, handle)
}

// OnReceipt delivers a successfully ingested receipt to the plan instance
// that emitted its intent, identified by origin.InstanceKey, if the intent's
// origin was a plan effect rather than a workflow module's.
func (r *PlanRuntime) OnReceipt(ctx context.Context, origin receipt.Origin, rcpt receipt.Receipt) error {
	if !strings.HasPrefix(origin.ModuleID, planOriginPrefix) {
		return nil
	}
	handle := origin.InstanceKey

	r.mu.Lock()
	pe, ok := r.instances[handle]
	r.mu.Unlock()
	if !ok || pe.inst == nil {
		return nil
	}
	r.mu.Lock()
	p, ok := r.plans[pe.planID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("kernel: instance references unregistered plan %q", pe.planID)
	}

	value, err := receiptValue(ctx, r.Kernel, rcpt)
	if err != nil {
		return err
	}

	if err := r.Machine.DeliverReceipt(withPlanHandle(ctx, handle), p, pe.inst, rcpt.IntentHash.String(), value); err != nil {
		return err
	}
	return r.propagateIfDone(ctx, handle)
}

// receiptValue decodes a receipt into the Ok(value) | Error{message} variant
// shape plan.Machine binds to an AwaitReceipt step, mirroring the variant
// childResultVariant builds for completed child plans.
func receiptValue(ctx context.Context, k *Kernel, rcpt receipt.Receipt) (any, error) {
	if !rcpt.Success {
		return map[string]any{"$tag": "Error", "$value": map[string]any{"message": rcpt.Error}}, nil
	}
	var out any
	if rcpt.OutputHash != (canonical.Hash{}) {
		blob, err := k.Store.GetBlob(ctx, rcpt.OutputHash)
		if err != nil {
			return nil, err
		}
		if err := canonical.Decode(blob, &out); err != nil {
			return nil, err
		}
	}
	return map[string]any{"$tag": "Ok", "$value": out}, nil
}

// Emit implements plan.EffectEmitter: it enqueues an effect intent the same
// way workflow.Runtime.emitEffect does, tagging its origin as a plan
// instance so a later receipt routes back here instead of to a module.
func (r *PlanRuntime) Emit(ctx context.Context, effectKind string, paramsCBOR []byte, cap string, idempotencyKey string) (canonical.Hash, error) {
	handle := planHandleFrom(ctx)
	if handle == "" {
		return canonical.Hash{}, fmt.Errorf("kernel: plan effect emitted outside a running instance")
	}

	r.mu.Lock()
	pe, ok := r.instances[handle]
	var index int
	if ok {
		index = pe.effectIndex
		pe.effectIndex++
	}
	r.mu.Unlock()
	if !ok {
		return canonical.Hash{}, fmt.Errorf("kernel: plan effect emitted by unknown instance %q", handle)
	}

	intent := effect.Intent{
		OriginModuleID:          planOriginPrefix + pe.planID,
		OriginInstanceKey:       handle,
		EffectKind:              effectKind,
		CapName:                 cap,
		ParamsCBOR:              paramsCBOR,
		RequestedIdempotencyKey: idempotencyKey,
		EffectIndex:             index,
		EmittedAtSeq:            r.Kernel.Heights(),
	}

	intent, err := r.Kernel.Effects.Enqueue(intent)
	if err != nil {
		return canonical.Hash{}, err
	}

	capGranted, capReason := true, "no capability slot declared"
	if cap != "" {
		h, herr := r.Kernel.Caps.Resolve(cap)
		if herr != nil {
			capGranted, capReason = false, herr.Error()
		} else if berr := r.Kernel.Caps.Bind(h, effectKind); berr != nil {
			capGranted, capReason = false, berr.Error()
		} else {
			capReason = "bound"
		}
	}

	policyAllowed, policyReason := r.Policy.Allow(ctx, intent)

	dec := &planJournalDecisions{j: r.Kernel.Journal}
	if err := r.Kernel.Effects.Authorize(ctx, intent, capGranted, capReason, policyAllowed, policyReason, dec); err != nil {
		return canonical.Hash{}, err
	}
	if _, err := r.Kernel.Journal.Append(ctx, journal.KindEffectIntent, intent); err != nil {
		return canonical.Hash{}, err
	}
	return intent.IntentHash, nil
}

// planJournalDecisions adapts the kernel journal to effect.Decisions for
// plan-emitted intents, as workflow's journalDecisions does for modules.
type planJournalDecisions struct {
	j journal.Journal
}

func (d *planJournalDecisions) AppendCapDecision(ctx context.Context, dec effect.CapDecision) error {
	_, err := d.j.Append(ctx, journal.KindCapDecision, dec)
	return err
}

func (d *planJournalDecisions) AppendPolicyDecision(ctx context.Context, dec effect.PolicyDecision) error {
	_, err := d.j.Append(ctx, journal.KindPolicyDecision, dec)
	return err
}

// Raise implements plan.EventRaiser: it submits the event through the same
// kernel ingress a public SubmitDomainEvent call uses, so other triggers,
// AwaitEvent waiters, and workflow modules all see it identically.
func (r *PlanRuntime) Raise(ctx context.Context, schemaName string, valueCBOR []byte) error {
	var payload map[string]any
	if len(valueCBOR) > 0 {
		if err := canonical.Decode(valueCBOR, &payload); err != nil {
			return err
		}
	}
	return r.Kernel.SubmitDomainEvent(ctx, workflow.Event{SchemaName: schemaName, Payload: payload})
}

// Spawn implements plan.Spawner: it starts childPlanID as a new instance
// whose parent is the handle currently executing, so its eventual
// completion propagates back to whichever AwaitPlan/AwaitPlansAll step
// references it.
func (r *PlanRuntime) Spawn(ctx context.Context, childPlanID string, inputCBOR []byte) (string, error) {
	r.mu.Lock()
	p, ok := r.plans[childPlanID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("kernel: spawn references unregistered plan %q", childPlanID)
	}

	var input any
	if len(inputCBOR) > 0 {
		if err := canonical.Decode(inputCBOR, &input); err != nil {
			return "", err
		}
	}

	parent := planHandleFrom(ctx)
	return r.startInstance(ctx, p, input, parent)
}
