package plan

import (
	"context"
	"fmt"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/expr"
	"github.com/mindburn-labs/agentkernel/pkg/schema"
)

// EffectEmitter is the collaborator EmitEffect steps enqueue through. It
// mirrors pkg/workflow's effect emission path without importing it, since a
// plan's capability binding happens the same way a workflow's does.
type EffectEmitter interface {
	Emit(ctx context.Context, effectKind string, paramsCBOR []byte, cap string, idempotencyKey string) (canonical.Hash, error)
}

// EventRaiser is the collaborator RaiseEvent steps submit through.
type EventRaiser interface {
	Raise(ctx context.Context, schemaName string, valueCBOR []byte) error
}

// Spawner starts child plan instances for Spawn/SpawnForEach steps.
type Spawner interface {
	Spawn(ctx context.Context, childPlanID string, inputCBOR []byte) (handle string, err error)
}

// Machine executes plan instances against a fixed set of collaborators.
type Machine struct {
	Expr     *expr.Evaluator
	Effects  EffectEmitter
	Events   EventRaiser
	Spawner  Spawner
	Registry *schema.Registry
}

// NewMachine builds a plan execution engine.
func NewMachine(ev *expr.Evaluator, effects EffectEmitter, events EventRaiser, spawner Spawner, reg *schema.Registry) *Machine {
	return &Machine{Expr: ev, Effects: effects, Events: events, Spawner: spawner, Registry: reg}
}

func (m *Machine) input(inst *Instance) expr.Input {
	return expr.Input{
		PlanInput: inst.PlanInput,
		Vars:      inst.Env,
		Steps:     inst.Steps,
		Event:     inst.LastEvent,
	}
}

func (m *Machine) evalBool(e string, inst *Instance) (bool, error) {
	if e == "" {
		return true, nil
	}
	v, err := m.Expr.Eval(e, m.input(inst))
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("plan: guard %q did not evaluate to bool", e)
	}
	return b, nil
}

func (m *Machine) nextStep(step *Step, inst *Instance) (string, error) {
	for _, e := range step.Edges {
		ok, err := m.evalBool(e.Guard, inst)
		if err != nil {
			return "", err
		}
		if ok {
			return e.To, nil
		}
	}
	return step.Next, nil
}

// Run advances inst until it suspends, completes, fails, or hits an error.
// It starts from inst.Current, so Start and the Deliver* resume functions
// both funnel through it.
func (m *Machine) Run(ctx context.Context, p *Plan, inst *Instance) error {
	for inst.Status == StatusRunning {
		step, ok := p.Steps[inst.Current]
		if !ok {
			inst.Status = StatusFailed
			inst.ErrorCode = "unknown_step"
			return ErrUnknownStep.WithPath(inst.Current)
		}

		suspended, err := m.execStep(ctx, p, inst, step)
		if err != nil {
			inst.Status = StatusFailed
			inst.ErrorMsg = err.Error()
			return err
		}
		if suspended {
			inst.Status = StatusSuspended
			return nil
		}
		if step.Kind == KindEnd {
			return nil
		}

		next, err := m.nextStep(step, inst)
		if err != nil {
			inst.Status = StatusFailed
			inst.ErrorMsg = err.Error()
			return err
		}
		inst.Current = next
	}
	return nil
}

// Start initializes and runs a fresh instance from the plan's entry step.
func (m *Machine) Start(ctx context.Context, p *Plan, input any) (*Instance, error) {
	inst := NewInstance(p.ID, p.Entry, input)
	return inst, m.Run(ctx, p, inst)
}

// execStep executes one step, returning whether it suspended the instance.
func (m *Machine) execStep(ctx context.Context, p *Plan, inst *Instance, step *Step) (bool, error) {
	switch step.Kind {
	case KindAssign:
		return false, m.execAssign(inst, step)
	case KindEmitEffect:
		return false, m.execEmitEffect(ctx, inst, step)
	case KindAwaitReceipt:
		return m.execAwaitReceipt(inst, step)
	case KindAwaitEvent:
		return m.execAwaitEvent(inst, step)
	case KindRaiseEvent:
		return false, m.execRaiseEvent(ctx, inst, step)
	case KindSpawn:
		return false, m.execSpawn(ctx, inst, step)
	case KindSpawnForEach:
		return false, m.execSpawnForEach(ctx, inst, step)
	case KindAwaitPlan:
		return m.execAwaitPlan(inst, step, false)
	case KindAwaitPlansAll:
		return m.execAwaitPlan(inst, step, true)
	case KindEnd:
		return false, m.execEnd(p, inst, step)
	default:
		return false, fmt.Errorf("plan: unknown step kind %q", step.Kind)
	}
}

func (m *Machine) bind(inst *Instance, step *Step, name string, v any) {
	if name != "" {
		inst.Env[name] = v
	}
	inst.Steps[step.ID] = v
}

func (m *Machine) execAssign(inst *Instance, step *Step) error {
	if step.HasLiteral {
		m.bind(inst, step, step.Bind, step.Literal)
		return nil
	}
	v, err := m.Expr.Eval(step.Expr, m.input(inst))
	if err != nil {
		return fmt.Errorf("plan: step %s assign: %w", step.ID, err)
	}
	m.bind(inst, step, step.Bind, v)
	return nil
}

func (m *Machine) execEmitEffect(ctx context.Context, inst *Instance, step *Step) error {
	params, err := m.Expr.Eval(step.ParamsExpr, m.input(inst))
	if err != nil {
		return fmt.Errorf("plan: step %s params: %w", step.ID, err)
	}
	paramsCBOR, err := canonical.Encode(params)
	if err != nil {
		return err
	}

	idemKey := ""
	if step.IdempotencyKeyExpr != "" {
		v, err := m.Expr.Eval(step.IdempotencyKeyExpr, m.input(inst))
		if err != nil {
			return fmt.Errorf("plan: step %s idempotency_key: %w", step.ID, err)
		}
		if s, ok := v.(string); ok {
			idemKey = s
		}
	}

	intentHash, err := m.Effects.Emit(ctx, step.EffectKind, paramsCBOR, step.Cap, idemKey)
	if err != nil {
		return fmt.Errorf("plan: step %s emit effect: %w", step.ID, err)
	}
	m.bind(inst, step, step.BindEffectIDAs, intentHash.String())
	return nil
}

func (m *Machine) execAwaitReceipt(inst *Instance, step *Step) (bool, error) {
	handleV, err := m.Expr.Eval(step.ForExpr, m.input(inst))
	if err != nil {
		return false, fmt.Errorf("plan: step %s for_expr: %w", step.ID, err)
	}
	handle, ok := handleV.(string)
	if !ok {
		return false, fmt.Errorf("plan: step %s for_expr did not evaluate to a handle string", step.ID)
	}

	if v, ok := inst.DeliveredReceipts[handle]; ok {
		m.bind(inst, step, step.Bind, v)
		return false, nil
	}

	inst.ReceiptWaiter = &ReceiptWaiter{StepID: step.ID, Handle: handle, Bind: step.Bind}
	return true, nil
}

func (m *Machine) execAwaitEvent(inst *Instance, step *Step) (bool, error) {
	inst.EventWaiter = &EventWaiter{StepID: step.ID, Schema: step.Schema, Where: step.Where, Bind: step.Bind}
	return true, nil
}

func (m *Machine) execRaiseEvent(ctx context.Context, inst *Instance, step *Step) error {
	v, err := m.Expr.Eval(step.ValueExpr, m.input(inst))
	if err != nil {
		return fmt.Errorf("plan: step %s value: %w", step.ID, err)
	}
	normalized := v
	if m.Registry != nil {
		var err error
		normalized, err = schema.Normalize(m.Registry, schema.Ref(step.Schema), step.ID, v)
		if err != nil {
			return err
		}
	}
	valueCBOR, err := canonical.Encode(normalized)
	if err != nil {
		return err
	}
	return m.Events.Raise(ctx, step.Schema, valueCBOR)
}

func (m *Machine) execSpawn(ctx context.Context, inst *Instance, step *Step) error {
	input, err := m.Expr.Eval(step.InputExpr, m.input(inst))
	if err != nil {
		return fmt.Errorf("plan: step %s input: %w", step.ID, err)
	}
	inputCBOR, err := canonical.Encode(input)
	if err != nil {
		return err
	}
	handle, err := m.Spawner.Spawn(ctx, step.ChildPlan, inputCBOR)
	if err != nil {
		return err
	}
	m.bind(inst, step, step.Bind, handle)
	return nil
}

func (m *Machine) execSpawnForEach(ctx context.Context, inst *Instance, step *Step) error {
	inputsV, err := m.Expr.Eval(step.InputsExpr, m.input(inst))
	if err != nil {
		return fmt.Errorf("plan: step %s inputs: %w", step.ID, err)
	}
	inputs, ok := inputsV.([]any)
	if !ok {
		return fmt.Errorf("plan: step %s inputs_expr did not evaluate to a list", step.ID)
	}
	if step.MaxFanout > 0 && len(inputs) > step.MaxFanout {
		inputs = inputs[:step.MaxFanout]
	}

	handles := make([]any, 0, len(inputs))
	for _, in := range inputs {
		inputCBOR, err := canonical.Encode(in)
		if err != nil {
			return err
		}
		handle, err := m.Spawner.Spawn(ctx, step.ChildPlan, inputCBOR)
		if err != nil {
			return err
		}
		handles = append(handles, handle)
	}
	m.bind(inst, step, step.Bind, handles)
	return nil
}

func childResultVariant(r ChildResult) map[string]any {
	if r.Ok {
		return map[string]any{"$tag": "Ok", "$value": r.Value}
	}
	return map[string]any{"$tag": "Error", "$value": map[string]any{"code": r.Code, "message": r.Message}}
}

func (m *Machine) bindAwaitPlanResult(inst *Instance, step *Step, handles []string, all bool, bind string) {
	results := make(map[string]any, len(handles))
	for _, h := range handles {
		results[h] = childResultVariant(inst.DeliveredChildren[h])
	}
	if all {
		m.bind(inst, step, bind, results)
	} else {
		m.bind(inst, step, bind, results[handles[0]])
	}
}

func (m *Machine) execAwaitPlan(inst *Instance, step *Step, all bool) (bool, error) {
	pending := make([]string, 0, len(step.Handles))
	for _, h := range step.Handles {
		if _, done := inst.DeliveredChildren[h]; !done {
			pending = append(pending, h)
		}
	}

	if len(pending) == 0 {
		m.bindAwaitPlanResult(inst, step, step.Handles, all, step.Bind)
		return false, nil
	}

	inst.PlanWaiter = &PlanWaiter{StepID: step.ID, Handles: step.Handles, All: all, Bind: step.Bind}
	return true, nil
}

func (m *Machine) execEnd(p *Plan, inst *Instance, step *Step) error {
	hasResult := step.HasResult
	if hasResult != (p.OutputSchema != nil) {
		inst.Status = StatusFailed
		inst.ErrorCode = string(ErrResultSchemaMismatch.Code())
		return ErrResultSchemaMismatch
	}

	var result any
	if hasResult {
		v, err := m.Expr.Eval(step.ResultExpr, m.input(inst))
		if err != nil {
			return fmt.Errorf("plan: end result: %w", err)
		}
		if m.Registry != nil && p.OutputSchema != nil {
			v, err = schema.Normalize(m.Registry, *p.OutputSchema, "result", v)
			if err != nil {
				return err
			}
		}
		result = v
	}

	for _, invariant := range p.Invariants {
		ok, err := m.evalBool(invariant, inst)
		if err != nil {
			inst.Status = StatusFailed
			inst.ErrorCode = "invariant_violation"
			inst.ErrorMsg = err.Error()
			return err
		}
		if !ok {
			inst.Status = StatusFailed
			inst.ErrorCode = "invariant_violation"
			inst.Result = nil
			return ErrInvariantViolation
		}
	}

	inst.Result = result
	inst.Status = StatusCompleted
	return nil
}

// advancePast computes the step a suspended step's waiter should resume at
// (honoring its guarded edges) and positions inst there, so Run does not
// re-execute the still-satisfied wait condition.
func (m *Machine) advancePast(p *Plan, inst *Instance, stepID string) error {
	step, ok := p.Steps[stepID]
	if !ok {
		return ErrUnknownStep.WithPath(stepID)
	}
	next, err := m.nextStep(step, inst)
	if err != nil {
		return err
	}
	inst.Current = next
	return nil
}

// DeliverReceipt resumes an instance suspended on AwaitReceipt for handle.
// Receipts can arrive out of order relative to the sequence of AwaitReceipt
// steps that requested them, so delivery only resumes the waiter actually
// registered for this handle — any other handle's receipt is recorded in
// DeliveredReceipts for its own (possibly not-yet-reached) step to pick up.
func (m *Machine) DeliverReceipt(ctx context.Context, p *Plan, inst *Instance, handle string, value any) error {
	inst.DeliveredReceipts[handle] = value
	w := inst.ReceiptWaiter
	if w == nil || w.Handle != handle {
		return nil
	}

	m.bind(inst, &Step{ID: w.StepID}, w.Bind, value)
	inst.ReceiptWaiter = nil
	if err := m.advancePast(p, inst, w.StepID); err != nil {
		inst.Status = StatusFailed
		return err
	}
	inst.Status = StatusRunning
	return m.Run(ctx, p, inst)
}

// DeliverEvent resumes an instance suspended on AwaitEvent if schemaName
// matches and, when set, the where predicate evaluates true against payload.
func (m *Machine) DeliverEvent(ctx context.Context, p *Plan, inst *Instance, schemaName string, payload any) (bool, error) {
	w := inst.EventWaiter
	if w == nil || w.Schema != schemaName {
		return false, nil
	}

	inst.LastEvent = payload
	if w.Where != "" {
		ok, err := m.evalBool(w.Where, inst)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	m.bind(inst, &Step{ID: w.StepID}, w.Bind, payload)
	inst.EventWaiter = nil
	if err := m.advancePast(p, inst, w.StepID); err != nil {
		inst.Status = StatusFailed
		return true, err
	}
	inst.Status = StatusRunning
	return true, m.Run(ctx, p, inst)
}

// DeliverChildResult resumes an instance suspended on AwaitPlan/AwaitPlansAll
// once enough child plans referenced by handle have completed.
func (m *Machine) DeliverChildResult(ctx context.Context, p *Plan, inst *Instance, handle string, result ChildResult) error {
	inst.DeliveredChildren[handle] = result
	w := inst.PlanWaiter
	if w == nil {
		return nil
	}

	if !w.All {
		if handle != w.Handles[0] {
			return nil
		}
	} else {
		for _, h := range w.Handles {
			if _, done := inst.DeliveredChildren[h]; !done {
				return nil
			}
		}
	}

	step, ok := p.Steps[w.StepID]
	if !ok {
		inst.Status = StatusFailed
		return ErrUnknownStep.WithPath(w.StepID)
	}
	m.bindAwaitPlanResult(inst, step, w.Handles, w.All, w.Bind)

	inst.PlanWaiter = nil
	if err := m.advancePast(p, inst, w.StepID); err != nil {
		inst.Status = StatusFailed
		return err
	}
	inst.Status = StatusRunning
	return m.Run(ctx, p, inst)
}
