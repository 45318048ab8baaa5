// Package plan implements the plan runtime from spec §4.7: a finite directed
// graph of typed steps (Assign, EmitEffect, AwaitReceipt, AwaitEvent,
// RaiseEvent, Spawn/SpawnForEach, AwaitPlan/AwaitPlansAll, End) with guarded
// edges, invariant checking after End, and pending state held on each
// Instance. The kernel keeps plan instances in memory only: it does not
// persist them or restore them after a restart.
//
// Grounded on the teacher's governed-activation state machine
// (pkg/governance/lifecycle.go): ExecuteActivation's shape — verify a
// decision record's verdict, validate preconditions, then commit a single
// state transition — is generalized here into End's "validate the result
// against a schema, check declared invariants, then commit PlanResult/
// PlanEnded" sequence. The step/edge vocabulary (Step, Edge, guard
// expressions) is adapted from the teacher's plan contracts
// (pkg/contracts/plan.go's PlanStep/Edge/DAG) into the spec's closed,
// typed step algebra instead of the contract's untyped params map.
package plan

import (
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
	"github.com/mindburn-labs/agentkernel/pkg/schema"
)

// StepKind identifies the closed set of plan step variants.
type StepKind string

const (
	KindAssign         StepKind = "Assign"
	KindEmitEffect     StepKind = "EmitEffect"
	KindAwaitReceipt   StepKind = "AwaitReceipt"
	KindAwaitEvent     StepKind = "AwaitEvent"
	KindRaiseEvent     StepKind = "RaiseEvent"
	KindSpawn          StepKind = "Spawn"
	KindSpawnForEach   StepKind = "SpawnForEach"
	KindAwaitPlan      StepKind = "AwaitPlan"
	KindAwaitPlansAll  StepKind = "AwaitPlansAll"
	KindEnd            StepKind = "End"
)

// Edge is a guarded transition out of a step. Guard is a boolean expression
// evaluated in the step's environment; the first edge whose guard evaluates
// true (or has no guard) is taken. An empty Edges list falls back to Next.
type Edge struct {
	Guard string
	To    string
}

// Step is one node in a plan's step graph. Only the fields relevant to Kind
// are populated; construct with the helper constructors below.
type Step struct {
	ID    string
	Kind  StepKind
	Next  string
	Edges []Edge

	// Assign
	Bind    string
	Expr    string
	Literal any
	HasLiteral bool

	// EmitEffect
	EffectKind          string
	ParamsExpr          string
	Cap                 string
	IdempotencyKeyExpr  string
	BindEffectIDAs      string

	// AwaitReceipt
	ForExpr string

	// AwaitEvent
	Schema string
	Where  string

	// RaiseEvent
	ValueExpr string

	// Spawn / SpawnForEach
	ChildPlan  string
	InputExpr  string
	InputsExpr string
	MaxFanout  int

	// AwaitPlan / AwaitPlansAll
	Handles []string

	// End
	ResultExpr string
	HasResult  bool
}

// Assign constructs an Assign step.
func Assign(id, bind, expr string) Step {
	return Step{ID: id, Kind: KindAssign, Bind: bind, Expr: expr}
}

// EmitEffect constructs an EmitEffect step.
func EmitEffect(id, effectKind, paramsExpr, cap, bindAs string) Step {
	return Step{ID: id, Kind: KindEmitEffect, EffectKind: effectKind, ParamsExpr: paramsExpr, Cap: cap, BindEffectIDAs: bindAs}
}

// AwaitReceipt constructs an AwaitReceipt step.
func AwaitReceipt(id, forExpr, bind string) Step {
	return Step{ID: id, Kind: KindAwaitReceipt, ForExpr: forExpr, Bind: bind}
}

// AwaitEvent constructs an AwaitEvent step.
func AwaitEvent(id, schemaName, where, bind string) Step {
	return Step{ID: id, Kind: KindAwaitEvent, Schema: schemaName, Where: where, Bind: bind}
}

// RaiseEvent constructs a RaiseEvent step.
func RaiseEvent(id, schemaName, valueExpr string) Step {
	return Step{ID: id, Kind: KindRaiseEvent, Schema: schemaName, ValueExpr: valueExpr}
}

// End constructs an End step. hasResult distinguishes "no output schema, no
// result" from "result expression evaluates to nil".
func End(id, resultExpr string, hasResult bool) Step {
	return Step{ID: id, Kind: KindEnd, ResultExpr: resultExpr, HasResult: hasResult}
}

// Plan is a finite step graph plus its declared input/output schemas and
// post-End invariants.
type Plan struct {
	ID           string
	Steps        map[string]*Step
	Entry        string
	Invariants   []string // boolean expressions evaluated after End
	InputSchema  *schema.Type
	OutputSchema *schema.Type
}

// NewPlan builds a Plan from a flat step list.
func NewPlan(id, entry string, steps []Step, invariants []string) *Plan {
	m := make(map[string]*Step, len(steps))
	for i := range steps {
		s := steps[i]
		m[s.ID] = &s
	}
	return &Plan{ID: id, Steps: m, Entry: entry, Invariants: invariants}
}

// Status is the lifecycle state of a plan instance.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusSuspended Status = "Suspended"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// ReceiptWaiter is a suspended AwaitReceipt step's pending registration. A
// waiter only ever watches the one handle its for_expr evaluated to when it
// suspended, so DeliverReceipt must check Handle before resuming it.
type ReceiptWaiter struct {
	StepID string
	Handle string
	Bind   string
}

// EventWaiter is a suspended AwaitEvent step's pending registration.
type EventWaiter struct {
	StepID string
	Schema string
	Where  string
	Bind   string
}

// PlanWaiter is a suspended AwaitPlan/AwaitPlansAll step's pending
// registration.
type PlanWaiter struct {
	StepID  string
	Handles []string
	All     bool
	Bind    string
}

// ChildResult is the Ok(value) | Error{code,message} variant bound on wake
// for a completed child plan.
type ChildResult struct {
	Ok      bool
	Value   any
	Code    string
	Message string
}

// Instance is a plan's pending state, held in exported fields: its
// environment, the last value bound by each executed step, and whichever
// single wait condition (if any) currently suspends it.
type Instance struct {
	PlanID  string
	Current string
	Status  Status

	Env   map[string]any
	Steps map[string]any // step id -> last bound value, for @step: references

	PlanInput  any
	LastEvent  any

	ReceiptWaiter *ReceiptWaiter
	EventWaiter   *EventWaiter
	PlanWaiter    *PlanWaiter

	DeliveredReceipts map[string]any       // intent hash -> decoded receipt value
	DeliveredChildren map[string]ChildResult // child handle -> result

	Result      any
	ErrorCode   string
	ErrorMsg    string
}

// NewInstance creates a fresh, unstarted instance positioned at the plan's
// entry step.
func NewInstance(planID, entry string, input any) *Instance {
	return &Instance{
		PlanID:            planID,
		Current:           entry,
		Status:            StatusRunning,
		Env:               make(map[string]any),
		Steps:             make(map[string]any),
		PlanInput:         input,
		DeliveredReceipts: make(map[string]any),
		DeliveredChildren: make(map[string]ChildResult),
	}
}

var (
	ErrUnknownStep         = kernelerrors.New(kernelerrors.CodeManifest, "unknown_step", "plan references an undefined step id")
	ErrInvariantViolation  = kernelerrors.New(kernelerrors.CodeWorkflowOutput, "invariant_violation", "plan invariant evaluated false after End")
	ErrResultSchemaMismatch = kernelerrors.New(kernelerrors.CodeWorkflowOutput, "result_schema_mismatch", "End result presence disagrees with the plan's declared output schema")
)
