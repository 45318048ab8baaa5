// Package kernel wires the runtime's packages (store, journal, effect,
// receipt, workflow, scheduler, capability, governance, snapshot) into the
// single top-level object a process embeds: the kernel described end to end
// in spec §4 and §6.
//
// Grounded on the teacher's runtime dispatch surface
// (pkg/kernelruntime/runtime.go, SubmitIntent/Query/CheckHealth) and its
// server entrypoint (cmd/helm/main.go's runServer wiring): same "one struct
// holds every collaborator, one method per externally-visible operation"
// shape. The teacher's monolithic pkg/kernel tree (deterministic scheduler,
// event log, PRNG, merkle accumulator, CSNF canonicalization, and a long
// tail of adversarial-agent-monitoring subsystems with no spec counterpart)
// has already been absorbed concern-by-concern into this module's own
// dedicated packages — see DESIGN.md's pkg/kernel entry for the mapping.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/capability"
	"github.com/mindburn-labs/agentkernel/pkg/clock"
	"github.com/mindburn-labs/agentkernel/pkg/effect"
	"github.com/mindburn-labs/agentkernel/pkg/expr"
	"github.com/mindburn-labs/agentkernel/pkg/governance"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
	"github.com/mindburn-labs/agentkernel/pkg/manifestdef"
	"github.com/mindburn-labs/agentkernel/pkg/receipt"
	"github.com/mindburn-labs/agentkernel/pkg/scheduler"
	"github.com/mindburn-labs/agentkernel/pkg/snapshot"
	"github.com/mindburn-labs/agentkernel/pkg/store"
	"github.com/mindburn-labs/agentkernel/pkg/telemetry"
	"github.com/mindburn-labs/agentkernel/pkg/workflow"
)

// Kernel is the top-level runtime object. It is safe for concurrent use:
// every collaborator it embeds already guards its own state, and Kernel
// itself serializes only the manifest swap and the logical clock.
type Kernel struct {
	Store     store.Store
	Journal   journal.Journal
	Effects   *effect.Manager
	Caps      *capability.Resolver
	Workflow  *workflow.Runtime
	Plans     *PlanRuntime
	Scheduler *scheduler.Scheduler
	Receipts  *receipt.Pipeline
	Governor  *governance.Governor
	Snapshots *snapshot.Registry
	Clock     *clock.Clock
	Entropy   *clock.Entropy
	Telemetry *telemetry.Provider

	mu       sync.RWMutex
	manifest *manifestdef.Manifest
}

// Config bundles the collaborators New needs. Callers construct each
// collaborator directly (they have their own constructors); Kernel only
// wires them together and adds the operations that cut across all of them.
type Config struct {
	Store     store.Store
	Journal   journal.Journal
	Effects   *effect.Manager
	Caps      *capability.Resolver
	Workflow  *workflow.Runtime
	Scheduler *scheduler.Scheduler
	Receipts  *receipt.Pipeline
	Governor  *governance.Governor
	Snapshots *snapshot.Registry
	Clock     *clock.Clock
	Entropy   *clock.Entropy
	Telemetry *telemetry.Provider
	Manifest  *manifestdef.Manifest

	// Plans is the manifest-declared plan runtime (spec §4.7). If nil, New
	// builds a default one bound to this Kernel, using Evaluator (or a fresh
	// expr.Evaluator if that is nil too).
	Plans     *PlanRuntime
	Evaluator *expr.Evaluator
}

// New constructs a Kernel from already-built collaborators. If cfg.Telemetry
// is nil, New builds a disabled Provider so every Kernel method can call
// k.Telemetry.TrackOperation unconditionally.
func New(cfg Config) *Kernel {
	tel := cfg.Telemetry
	if tel == nil {
		tel, _ = telemetry.New(context.Background(), &telemetry.Config{Enabled: false})
	}
	k := &Kernel{
		Store:     cfg.Store,
		Journal:   cfg.Journal,
		Effects:   cfg.Effects,
		Caps:      cfg.Caps,
		Workflow:  cfg.Workflow,
		Scheduler: cfg.Scheduler,
		Receipts:  cfg.Receipts,
		Governor:  cfg.Governor,
		Snapshots: cfg.Snapshots,
		Clock:     cfg.Clock,
		Entropy:   cfg.Entropy,
		Telemetry: tel,
		manifest:  cfg.Manifest,
	}

	k.Plans = cfg.Plans
	if k.Plans == nil {
		ev := cfg.Evaluator
		if ev == nil {
			ev, _ = expr.NewEvaluator()
		}
		k.Plans = NewPlanRuntime(k, ev)
	}
	return k
}

// Manifest returns the currently active manifest.
func (k *Kernel) Manifest() *manifestdef.Manifest {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.manifest
}

// SetManifest swaps in a newly applied manifest, e.g. after
// governance.Apply returns one.
func (k *Kernel) SetManifest(m *manifestdef.Manifest) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.manifest = m
}

// manifestHash hashes the active manifest for invocation-context binding,
// or the zero hash if none is loaded yet.
func (k *Kernel) manifestHash() (canonical.Hash, error) {
	m := k.Manifest()
	if m == nil {
		return canonical.Hash{}, nil
	}
	return canonical.HashValue(m)
}

// journalOriginRecovery adapts the journal's EffectIntent records to
// receipt.OriginRecovery by scanning backward from the current height. It is
// the concrete collaborator receipt.Pipeline needs; the teacher's
// equivalent index lived inline in its obligation ledger, generalized here
// into a small adapter so pkg/receipt never needs to import pkg/journal.
type journalOriginRecovery struct {
	j journal.Journal
}

// NewOriginRecovery builds a receipt.OriginRecovery backed by j.
func NewOriginRecovery(j journal.Journal) receipt.OriginRecovery {
	return &journalOriginRecovery{j: j}
}

func (o *journalOriginRecovery) RecoverOrigin(ctx context.Context, intentHash canonical.Hash) (receipt.Origin, bool, error) {
	last := o.j.LastSeq()
	if last == 0 {
		return receipt.Origin{}, false, nil
	}
	records, err := o.j.Range(ctx, 1, last)
	if err != nil {
		return receipt.Origin{}, false, fmt.Errorf("kernel: scan journal for origin: %w", err)
	}
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Kind != journal.KindEffectIntent {
			continue
		}
		var in effect.Intent
		if err := canonical.Decode(rec.Payload, &in); err != nil {
			continue
		}
		if in.IntentHash == intentHash {
			return receipt.Origin{
				ModuleID:    in.OriginModuleID,
				InstanceKey: in.OriginInstanceKey,
				EffectIndex: in.EffectIndex,
			}, true, nil
		}
	}
	return receipt.Origin{}, false, nil
}

var errKernelNotReady = kernelerrors.New(kernelerrors.CodeWorkspace, "not_ready", "kernel has no manifest loaded")
