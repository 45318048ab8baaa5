package plan

import (
	"context"
	"fmt"
	"testing"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/expr"
	"github.com/stretchr/testify/require"
)

type fakeEffects struct {
	emitted []string
}

func (f *fakeEffects) Emit(ctx context.Context, kind string, params []byte, cap, idemKey string) (canonical.Hash, error) {
	f.emitted = append(f.emitted, kind)
	return canonical.HashBytes([]byte(kind + idemKey)), nil
}

type fakeEvents struct {
	raised []string
}

func (f *fakeEvents) Raise(ctx context.Context, schemaName string, value []byte) error {
	f.raised = append(f.raised, schemaName)
	return nil
}

type fakeSpawner struct {
	n int
}

func (f *fakeSpawner) Spawn(ctx context.Context, childPlanID string, input []byte) (string, error) {
	f.n++
	return fmt.Sprintf("%s-%d", childPlanID, f.n), nil
}

func newMachine(t *testing.T) (*Machine, *fakeEffects, *fakeEvents, *fakeSpawner) {
	t.Helper()
	ev, err := expr.NewEvaluator()
	require.NoError(t, err)
	fe := &fakeEffects{}
	fev := &fakeEvents{}
	fs := &fakeSpawner{}
	return NewMachine(ev, fe, fev, fs, nil), fe, fev, fs
}

func TestMachine_Assign_BindsLiteralAndExpr(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "s1", []Step{
		{ID: "s1", Kind: KindAssign, Bind: "x", HasLiteral: true, Literal: int64(42), Next: "s2"},
		{ID: "s2", Kind: KindAssign, Bind: "y", Expr: `vars["x"] + 1`, Next: "end"},
		End("end", "", false),
	}, nil)

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, int64(42), inst.Env["x"])
	require.Equal(t, int64(43), inst.Env["y"])
}

func TestMachine_EmitEffect_ThenAwaitReceipt_SuspendsUntilDelivered(t *testing.T) {
	m, fe, _, _ := newMachine(t)
	p := NewPlan("p1", "emit", []Step{
		EmitEffect("emit", "http.post", `"params"`, "cap1", "intent"),
		{ID: "await", Kind: KindAwaitReceipt, ForExpr: `steps["emit"]`, Bind: "receipt", Next: "end"},
		End("end", "", false),
	}, nil)
	p.Steps["emit"].Next = "await"

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inst.Status)
	require.Len(t, fe.emitted, 1)
	require.NotNil(t, inst.ReceiptWaiter)

	handle := inst.Steps["emit"].(string)
	err = m.DeliverReceipt(context.Background(), p, inst, handle, map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, map[string]any{"ok": true}, inst.Env["receipt"])
}

func TestMachine_AwaitReceipt_OutOfOrderDeliveryDoesNotScrambleBindings(t *testing.T) {
	m, fe, _, _ := newMachine(t)
	p := NewPlan("p1", "emit_a", []Step{
		{ID: "emit_a", Kind: KindEmitEffect, EffectKind: "http.post", ParamsExpr: `"a"`, IdempotencyKeyExpr: `"a"`, BindEffectIDAs: "handle_a", Next: "emit_b"},
		{ID: "emit_b", Kind: KindEmitEffect, EffectKind: "http.post", ParamsExpr: `"b"`, IdempotencyKeyExpr: `"b"`, BindEffectIDAs: "handle_b", Next: "emit_c"},
		{ID: "emit_c", Kind: KindEmitEffect, EffectKind: "http.post", ParamsExpr: `"c"`, IdempotencyKeyExpr: `"c"`, BindEffectIDAs: "handle_c", Next: "await_a"},
		{ID: "await_a", Kind: KindAwaitReceipt, ForExpr: `steps["emit_a"]`, Bind: "ra", Next: "await_b"},
		{ID: "await_b", Kind: KindAwaitReceipt, ForExpr: `steps["emit_b"]`, Bind: "rb", Next: "await_c"},
		{ID: "await_c", Kind: KindAwaitReceipt, ForExpr: `steps["emit_c"]`, Bind: "rc", Next: "end"},
		End("end", "", false),
	}, nil)

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inst.Status)
	require.Len(t, fe.emitted, 3)

	handleA := inst.Env["handle_a"].(string)
	handleB := inst.Env["handle_b"].(string)
	handleC := inst.Env["handle_c"].(string)
	require.NotNil(t, inst.ReceiptWaiter)
	require.Equal(t, handleA, inst.ReceiptWaiter.Handle)

	ctx := context.Background()

	// b arrives first, but the instance is still waiting on a: it must not
	// be mistaken for the value await_a is suspended on.
	require.NoError(t, m.DeliverReceipt(ctx, p, inst, handleB, "value-b"))
	require.Equal(t, StatusSuspended, inst.Status)
	require.Equal(t, handleA, inst.ReceiptWaiter.Handle)

	// a arrives, resuming await_a; await_b finds b's value already
	// delivered and resumes immediately without suspending, landing on
	// await_c.
	require.NoError(t, m.DeliverReceipt(ctx, p, inst, handleA, "value-a"))
	require.Equal(t, StatusSuspended, inst.Status)
	require.Equal(t, handleC, inst.ReceiptWaiter.Handle)
	require.Equal(t, "value-a", inst.Env["ra"])
	require.Equal(t, "value-b", inst.Env["rb"])

	require.NoError(t, m.DeliverReceipt(ctx, p, inst, handleC, "value-c"))
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, "value-c", inst.Env["rc"])
	require.Len(t, fe.emitted, 3, "each effect enqueued exactly once")
}

func TestMachine_AwaitEvent_SuspendsThenResumesOnMatch(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "wait", []Step{
		AwaitEvent("wait", "orders.shipped", "", "shipped"),
		End("end", "", false),
	}, nil)
	p.Steps["wait"].Next = "end"

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inst.Status)
	require.NotNil(t, inst.EventWaiter)

	matched, err := m.DeliverEvent(context.Background(), p, inst, "orders.shipped", map[string]any{"id": "o1"})
	require.NoError(t, err)
	require.True(t, matched)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, map[string]any{"id": "o1"}, inst.Env["shipped"])
}

func TestMachine_AwaitEvent_IgnoresNonMatchingSchema(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "wait", []Step{
		AwaitEvent("wait", "orders.shipped", "", "shipped"),
		End("end", "", false),
	}, nil)
	p.Steps["wait"].Next = "end"

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)

	matched, err := m.DeliverEvent(context.Background(), p, inst, "orders.cancelled", map[string]any{})
	require.NoError(t, err)
	require.False(t, matched)
	require.Equal(t, StatusSuspended, inst.Status)
}

func TestMachine_RaiseEvent_CallsRaiser(t *testing.T) {
	m, _, fev, _ := newMachine(t)
	p := NewPlan("p1", "raise", []Step{
		{ID: "raise", Kind: KindRaiseEvent, Schema: "audit.logged", ValueExpr: `"v"`, Next: "end"},
		End("end", "", false),
	}, nil)

	_, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"audit.logged"}, fev.raised)
}

func TestMachine_Spawn_BindsHandle(t *testing.T) {
	m, _, _, fs := newMachine(t)
	p := NewPlan("p1", "spawn", []Step{
		{ID: "spawn", Kind: KindSpawn, ChildPlan: "child", InputExpr: `"in"`, Bind: "h", Next: "end"},
		End("end", "", false),
	}, nil)

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, 1, fs.n)
	require.Equal(t, "child-1", inst.Env["h"])
}

func TestMachine_SpawnForEach_RespectsMaxFanout(t *testing.T) {
	m, _, _, fs := newMachine(t)
	p := NewPlan("p1", "spawn", []Step{
		{ID: "spawn", Kind: KindSpawnForEach, ChildPlan: "child", InputsExpr: `["a", "b", "c"]`, Bind: "handles", MaxFanout: 2, Next: "end"},
		End("end", "", false),
	}, nil)

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, 2, fs.n)
	require.Len(t, inst.Env["handles"], 2)
}

func TestMachine_AwaitPlan_SuspendsThenResumesOnChildResult(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "await", []Step{
		{ID: "await", Kind: KindAwaitPlan, Handles: []string{"child-1"}, Bind: "result", Next: "end"},
		End("end", "", false),
	}, nil)

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inst.Status)

	err = m.DeliverChildResult(context.Background(), p, inst, "child-1", ChildResult{Ok: true, Value: "done"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)

	result := inst.Env["result"].(map[string]any)
	require.Equal(t, "Ok", result["$tag"])
	require.Equal(t, "done", result["$value"])
}

func TestMachine_AwaitPlansAll_WaitsForEveryHandle(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "await", []Step{
		{ID: "await", Kind: KindAwaitPlansAll, Handles: []string{"c1", "c2"}, Bind: "results", Next: "end"},
		End("end", "", false),
	}, nil)

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inst.Status)

	err = m.DeliverChildResult(context.Background(), p, inst, "c1", ChildResult{Ok: true, Value: 1})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inst.Status, "still waiting on c2")

	err = m.DeliverChildResult(context.Background(), p, inst, "c2", ChildResult{Ok: false, Code: "boom", Message: "failed"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)

	results := inst.Env["results"].(map[string]any)
	require.Len(t, results, 2)
}

func TestMachine_End_InvariantViolationFailsWithoutResult(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "end", []Step{
		End("end", "", false),
	}, []string{"false"})

	inst, err := m.Start(context.Background(), p, nil)
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Equal(t, StatusFailed, inst.Status)
	require.Equal(t, "invariant_violation", inst.ErrorCode)
	require.Nil(t, inst.Result)
}

func TestMachine_End_PassingInvariantsCompletes(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "end", []Step{
		End("end", "", false),
	}, []string{"true"})

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
}

func TestMachine_End_ResultSchemaPresenceMismatchFails(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "end", []Step{
		End("end", `"value"`, true), // HasResult true, but plan declares no OutputSchema
	}, nil)

	_, err := m.Start(context.Background(), p, nil)
	require.ErrorIs(t, err, ErrResultSchemaMismatch)
}

func TestMachine_Guard_SelectsEdgeByCondition(t *testing.T) {
	m, _, _, _ := newMachine(t)
	p := NewPlan("p1", "branch", []Step{
		{ID: "branch", Kind: KindAssign, Bind: "x", HasLiteral: true, Literal: int64(5), Edges: []Edge{
			{Guard: `vars["x"] > 10`, To: "high"},
			{Guard: "", To: "low"},
		}},
		{ID: "high", Kind: KindAssign, Bind: "branch_taken", HasLiteral: true, Literal: "high", Next: "end"},
		{ID: "low", Kind: KindAssign, Bind: "branch_taken", HasLiteral: true, Literal: "low", Next: "end"},
		End("end", "", false),
	}, nil)

	inst, err := m.Start(context.Background(), p, nil)
	require.NoError(t, err)
	require.Equal(t, "low", inst.Env["branch_taken"])
}
