package workflow

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/capability"
	"github.com/mindburn-labs/agentkernel/pkg/cellindex"
	"github.com/mindburn-labs/agentkernel/pkg/effect"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
	"github.com/mindburn-labs/agentkernel/pkg/store"
)

// Output-budget ceilings, fixed per invocation.
const (
	MaxEffects      = 64
	MaxDomainEvents = 256
	MaxTotalBytes   = 1 << 20 // 1 MiB

	// MaxReingestDepth bounds the domain-event re-ingestion recursion a
	// single ingress event may trigger before the runtime gives up and
	// fails the chain closed.
	MaxReingestDepth = 32

	cellCacheCapacityPerWorkflow = 128
)

var (
	ErrBudgetEffects      = kernelerrors.New(kernelerrors.CodeWorkflowOutput, "budget_effects", "effects budget exceeded")
	ErrBudgetDomainEvents = kernelerrors.New(kernelerrors.CodeWorkflowOutput, "budget_domain_events", "domain_events budget exceeded")
	ErrBudgetBytes        = kernelerrors.New(kernelerrors.CodeWorkflowOutput, "budget_bytes", "total_bytes budget exceeded")
	ErrReingestDepth      = kernelerrors.New(kernelerrors.CodeWorkflowOutput, "reingest_depth_exceeded", "domain event re-ingestion exceeded the depth bound")
	ErrUnknownModule      = kernelerrors.New(kernelerrors.CodeManifest, "unknown_module", "no module registered under this id")
)

// Context is the invocation context built for modules whose ABI declares it.
type Context struct {
	NowNS         int64
	LogicalNowNS  int64
	JournalHeight uint64
	Entropy       []byte
	EventHash     canonical.Hash
	ManifestHash  canonical.Hash
	Workflow      string
	Key           []byte
	CellMode      string
}

// DomainEvent is one event a module output raises.
type DomainEvent struct {
	Schema    string
	ValueCBOR []byte
	Key       []byte
}

// EffectOut is one effect a module output requests be dispatched.
type EffectOut struct {
	Kind                    string
	ParamsCBOR              []byte
	CapSlot                 string
	RequestedIdempotencyKey string
}

// Output is what a module invocation returns.
type Output struct {
	State        []byte
	DomainEvents []DomainEvent
	Effects      []EffectOut
	Annotations  map[string]string
}

// Module is the workflow-kind ABI collaborator: spec §6's
// `invoke(state_bytes?, event_bytes, ctx_bytes?) → output`.
type Module interface {
	Invoke(ctx context.Context, state []byte, evt Event, wctx Context) (Output, error)
}

// ModuleRegistry resolves a module id to its Module implementation.
type ModuleRegistry interface {
	Lookup(moduleID string) (Module, bool)
}

// MapRegistry is a ModuleRegistry backed by a plain map, sufficient for the
// bundled CLI and for tests.
type MapRegistry map[string]Module

func (m MapRegistry) Lookup(moduleID string) (Module, bool) {
	mod, ok := m[moduleID]
	return mod, ok
}

// PolicyChecker decides whether governance policy allows an effect intent.
// The zero value (AllowAll) permits everything; pkg/governance supplies the
// real policy-evaluating implementation once a manifest is loaded.
type PolicyChecker interface {
	Allow(ctx context.Context, in effect.Intent) (bool, string)
}

// AllowAll is a PolicyChecker that allows every intent.
type AllowAll struct{}

func (AllowAll) Allow(ctx context.Context, in effect.Intent) (bool, string) {
	return true, "no policy engine configured"
}

// cellCache is a bounded LRU over an instance's last-known state hash,
// keyed by (workflow, key), holding at most capacity entries per workflow.
// It is hint-only: every read falls through to the
// cell index on a miss, and every write goes through the index first, per
// spec §4.6's reload rule.
type cellCache struct {
	mu       sync.Mutex
	capacity int
	lls      map[string]*list.List // one LRU list per workflow
	items    map[cellKey]*list.Element
}

type cellKey struct {
	workflow string
	key      string
}

type cellCacheEntry struct {
	key  cellKey
	hash canonical.Hash
}

func newCellCache(capacity int) *cellCache {
	return &cellCache{capacity: capacity, lls: make(map[string]*list.List), items: make(map[cellKey]*list.Element)}
}

func (c *cellCache) get(k cellKey) (canonical.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[k]
	if !ok {
		return canonical.Hash{}, false
	}
	c.lls[k.workflow].MoveToFront(el)
	return el.Value.(*cellCacheEntry).hash, true
}

func (c *cellCache) set(k cellKey, h canonical.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		el.Value.(*cellCacheEntry).hash = h
		c.lls[k.workflow].MoveToFront(el)
		return
	}
	ll, ok := c.lls[k.workflow]
	if !ok {
		ll = list.New()
		c.lls[k.workflow] = ll
	}
	el := ll.PushFront(&cellCacheEntry{key: k, hash: h})
	c.items[k] = el
	if ll.Len() > c.capacity {
		oldest := ll.Back()
		if oldest != nil {
			ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cellCacheEntry).key)
		}
	}
}

func (c *cellCache) delete(k cellKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[k]; ok {
		c.lls[k.workflow].Remove(el)
		delete(c.items, k)
	}
}

// Runtime wires the router, module registry, store, journal, effect manager
// and capability resolver into the invoke/persist/emit cycle of spec §4.6.
type Runtime struct {
	Store    store.Store
	Journal  journal.Journal
	Effects  *effect.Manager
	Caps     *capability.Resolver
	Modules  ModuleRegistry
	Router   *Router
	Policy   PolicyChecker

	mu        sync.Mutex
	cells     map[string]*cellindex.Index // per-workflow cell index
	cache     *cellCache
	instances *instances
}

// NewRuntime constructs a Runtime. Policy may be nil, in which case AllowAll
// is used.
func NewRuntime(st store.Store, j journal.Journal, eff *effect.Manager, caps *capability.Resolver, mods ModuleRegistry, router *Router, policy PolicyChecker) *Runtime {
	if policy == nil {
		policy = AllowAll{}
	}
	return &Runtime{
		Store:     st,
		Journal:   j,
		Effects:   eff,
		Caps:      caps,
		Modules:   mods,
		Router:    router,
		Policy:    policy,
		cells:     make(map[string]*cellindex.Index),
		cache:     newCellCache(cellCacheCapacityPerWorkflow),
		instances: newInstances(),
	}
}

func (r *Runtime) cellIndexFor(workflow string) *cellindex.Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.cells[workflow]
	if !ok {
		idx = cellindex.New()
		r.cells[workflow] = idx
	}
	return idx
}

// CellIndex exposes the per-workflow cell index, e.g. for snapshot/replay
// wiring that needs its Merkle root.
func (r *Runtime) CellIndex(workflow string) *cellindex.Index {
	return r.cellIndexFor(workflow)
}

// Workflows lists the names of every workflow this runtime has built a cell
// index for, i.e. every workflow that has received at least one invocation.
// Used when assembling a kernel snapshot's reducer_state_entries.
func (r *Runtime) Workflows() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.cells))
	for w := range r.cells {
		out = append(out, w)
	}
	return out
}

// Ingest routes evt to every subscribed module and invokes each, bounded by
// MaxReingestDepth recursive re-ingestions of domain events the modules raise.
func (r *Runtime) Ingest(ctx context.Context, evt Event, base Context) error {
	return r.ingest(ctx, evt, base, 0, nil)
}

// IngestReplay re-applies evt while replaying a journaled tail (spec §4.11
// Startup): it invokes modules and persists state exactly like Ingest, but
// never re-journals the domain events or effect intents a tick produces —
// they are already committed journal records the tail scan will reach in
// turn — and instead records each domain event it raises recursively in
// suppress, so the tail scan recognizes and skips the journal record it
// already has for that event rather than re-ingesting it a second time.
func (r *Runtime) IngestReplay(ctx context.Context, evt Event, base Context, suppress *Suppressor) error {
	return r.ingest(ctx, evt, base, 0, suppress)
}

func (r *Runtime) ingest(ctx context.Context, evt Event, base Context, depth int, suppress *Suppressor) error {
	if depth > MaxReingestDepth {
		return ErrReingestDepth
	}

	routed, err := r.Router.Route(evt)
	if err != nil {
		return err
	}

	for _, re := range routed {
		mod, ok := r.Modules.Lookup(re.ModuleID)
		if !ok {
			return ErrUnknownModule.WithPath(re.ModuleID)
		}

		wctx := base
		wctx.Workflow = re.ModuleID
		wctx.Key = re.KeyBytes

		if err := r.invokeOne(ctx, re.ModuleID, mod, re.KeyBytes, Event{SchemaName: evt.SchemaName, Payload: re.Payload, ExplicitKey: re.KeyBytes}, wctx, depth, suppress); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) invokeOne(ctx context.Context, moduleID string, mod Module, key []byte, evt Event, wctx Context, depth int, suppress *Suppressor) error {
	state, err := r.loadState(ctx, wctx.Workflow, key)
	if err != nil {
		return err
	}

	out, err := mod.Invoke(ctx, state, evt, wctx)
	if err != nil {
		return fmt.Errorf("workflow: module %s invoke: %w", moduleID, err)
	}

	if err := enforceBudgets(out); err != nil {
		return err
	}

	if err := r.persistState(ctx, wctx.Workflow, key, out.State); err != nil {
		return err
	}

	replaying := suppress != nil

	if !replaying {
		for _, de := range out.DomainEvents {
			if _, err := r.Journal.Append(ctx, journal.KindDomainEvent, de); err != nil {
				return err
			}
		}
	}

	for i, e := range out.Effects {
		if err := r.emitEffect(ctx, moduleID, key, wctx, i, e, replaying); err != nil {
			return err
		}
	}

	r.finalizeInstanceStatus(wctx.Workflow, key, len(out.State) == 0)

	for _, de := range out.DomainEvents {
		var payload map[string]any
		if err := canonical.Decode(de.ValueCBOR, &payload); err != nil {
			return fmt.Errorf("workflow: decode raised domain event %s: %w", de.Schema, err)
		}
		if replaying {
			h, err := canonical.HashValue(de)
			if err != nil {
				return fmt.Errorf("workflow: hash raised domain event %s: %w", de.Schema, err)
			}
			suppress.mark(h)
		}
		if err := r.ingest(ctx, Event{SchemaName: de.Schema, Payload: payload, ExplicitKey: de.Key}, wctx, depth+1, suppress); err != nil {
			return err
		}
	}

	return nil
}

func enforceBudgets(out Output) error {
	if len(out.Effects) > MaxEffects {
		return ErrBudgetEffects
	}
	if len(out.DomainEvents) > MaxDomainEvents {
		return ErrBudgetDomainEvents
	}

	total := len(out.State)
	for _, de := range out.DomainEvents {
		total += len(de.ValueCBOR)
	}
	for _, e := range out.Effects {
		total += len(e.ParamsCBOR)
	}
	if total > MaxTotalBytes {
		return ErrBudgetBytes
	}
	return nil
}

func (r *Runtime) loadState(ctx context.Context, workflow string, key []byte) ([]byte, error) {
	ck := cellKey{workflow: workflow, key: string(key)}
	if h, ok := r.cache.get(ck); ok {
		return r.Store.GetBlob(ctx, h)
	}

	idx := r.cellIndexFor(workflow)
	h, ok := idx.Get(string(key))
	if !ok {
		return nil, nil
	}
	r.cache.set(ck, h)
	return r.Store.GetBlob(ctx, h)
}

func (r *Runtime) persistState(ctx context.Context, workflow string, key []byte, state []byte) error {
	ck := cellKey{workflow: workflow, key: string(key)}
	idx := r.cellIndexFor(workflow)

	if len(state) == 0 {
		idx.Delete(string(key))
		r.cache.delete(ck)
		return nil
	}

	h, err := r.Store.PutBlob(ctx, state)
	if err != nil {
		return err
	}
	idx.Set(string(key), h)
	r.cache.set(ck, h)
	return nil
}

// emitEffect resolves capability/policy authorization for one effect a
// module output requested and enqueues its derived intent. In replay mode
// (replaying true) it still enqueues the intent, so the live effect queue
// converges to the same contents it held before the kernel restarted, but
// skips journaling the intent and its decisions — they are already
// committed journal records from the original tick.
func (r *Runtime) emitEffect(ctx context.Context, moduleID string, instanceKey []byte, wctx Context, index int, e EffectOut, replaying bool) error {
	intent := effect.Intent{
		OriginModuleID:          moduleID,
		OriginInstanceKey:       string(instanceKey),
		EffectKind:              e.Kind,
		CapName:                 e.CapSlot,
		ParamsCBOR:              e.ParamsCBOR,
		RequestedIdempotencyKey: e.RequestedIdempotencyKey,
		EffectIndex:             index,
		EmittedAtSeq:            wctx.JournalHeight,
	}

	intent, err := r.Effects.Enqueue(intent)
	if err != nil {
		return err
	}

	r.markInflight(moduleID, string(instanceKey), intent.IntentHash, InflightIntent{
		Kind:         intent.EffectKind,
		ParamsHash:   canonical.HashBytes(intent.ParamsCBOR),
		EmittedAtSeq: intent.EmittedAtSeq,
	})

	capGranted, capReason := true, "no capability slot declared"
	if e.CapSlot != "" {
		handle, herr := r.Caps.Resolve(e.CapSlot)
		if herr != nil {
			capGranted, capReason = false, herr.Error()
		} else if berr := r.Caps.Bind(handle, e.Kind); berr != nil {
			capGranted, capReason = false, berr.Error()
		} else {
			capReason = "bound"
		}
	}

	policyAllowed, policyReason := r.Policy.Allow(ctx, intent)

	if replaying {
		if !capGranted {
			return effect.ErrCapabilityMissing.WithPath(intent.EffectKind)
		}
		if !policyAllowed {
			return effect.ErrPolicyViolation.WithPath(intent.EffectKind)
		}
		return nil
	}

	dec := &journalDecisions{j: r.Journal}
	if err := r.Effects.Authorize(ctx, intent, capGranted, capReason, policyAllowed, policyReason, dec); err != nil {
		return err
	}

	_, err = r.Journal.Append(ctx, journal.KindEffectIntent, intent)
	return err
}

// journalDecisions adapts a journal.Journal to effect.Decisions, so the
// effect manager can record cap/policy verdicts without pkg/effect importing
// pkg/journal (which already depends on pkg/effect's Intent type).
type journalDecisions struct {
	j journal.Journal
}

func (d *journalDecisions) AppendCapDecision(ctx context.Context, dec effect.CapDecision) error {
	_, err := d.j.Append(ctx, journal.KindCapDecision, dec)
	return err
}

func (d *journalDecisions) AppendPolicyDecision(ctx context.Context, dec effect.PolicyDecision) error {
	_, err := d.j.Append(ctx, journal.KindPolicyDecision, dec)
	return err
}
