package workflow

import (
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
)

// Status is the lifecycle state of one workflow instance, spec §3's
// WorkflowInstance.status.
type Status string

const (
	StatusRunning   Status = "Running"
	StatusWaiting   Status = "Waiting"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// InflightIntent is one entry of a WorkflowInstance's inflight_intents map
// (spec §3): an effect intent the instance has emitted but has not yet seen a
// matching receipt for.
type InflightIntent struct {
	Kind           string
	ParamsHash     canonical.Hash
	EmittedAtSeq   uint64
	LastStreamSeq  uint64
}

// instanceBook is the per-instance bookkeeping a Runtime keeps alongside its
// cell state: status plus the inflight-intent set the spec's testable
// property #3 (inflight(w,t) = issued(w,≤t) \ settled(w,≤t)) describes.
type instanceBook struct {
	mu       sync.Mutex
	status   Status
	inflight map[canonical.Hash]InflightIntent
}

// instances indexes instanceBook by (workflow, key), mirroring cellCache's
// keying so the two stay in lockstep as a cell is loaded, mutated, and
// eventually emptied.
type instances struct {
	mu    sync.Mutex
	books map[cellKey]*instanceBook
}

func newInstances() *instances {
	return &instances{books: make(map[cellKey]*instanceBook)}
}

func (in *instances) get(ck cellKey) *instanceBook {
	in.mu.Lock()
	defer in.mu.Unlock()
	b, ok := in.books[ck]
	if !ok {
		b = &instanceBook{status: StatusRunning, inflight: make(map[canonical.Hash]InflightIntent)}
		in.books[ck] = b
	}
	return b
}

func (in *instances) peek(ck cellKey) (*instanceBook, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	b, ok := in.books[ck]
	return b, ok
}

func (in *instances) delete(ck cellKey) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.books, ck)
}

// totalInflight sums the inflight-intent count across every tracked instance,
// the quantity CreateSnapshot needs to decide whether a height's receipt
// horizon has caught up with everything it queued.
func (in *instances) totalInflight() int {
	in.mu.Lock()
	bs := make([]*instanceBook, 0, len(in.books))
	for _, b := range in.books {
		bs = append(bs, b)
	}
	in.mu.Unlock()

	total := 0
	for _, b := range bs {
		b.mu.Lock()
		total += len(b.inflight)
		b.mu.Unlock()
	}
	return total
}

// markInflight records a newly-emitted effect intent against the instance
// that emitted it.
func (r *Runtime) markInflight(workflow, key string, intentHash canonical.Hash, in InflightIntent) {
	ck := cellKey{workflow: workflow, key: key}
	b := r.instances.get(ck)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight[intentHash] = in
}

// SettleIntent removes intentHash from an instance's inflight set once a
// matching receipt has been delivered. Settling an intent that already left
// Waiting for Running is a no-op: a duplicate redelivery of an already-seen
// receipt must not disturb status twice.
func (r *Runtime) SettleIntent(workflow, key string, intentHash canonical.Hash) {
	ck := cellKey{workflow: workflow, key: key}
	b, ok := r.instances.peek(ck)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, intentHash)
	if len(b.inflight) == 0 && b.status == StatusWaiting {
		b.status = StatusRunning
	}
}

// MarkFailed marks an instance Failed and drops every intent still awaiting a
// receipt, the spec §4.8 fault path for a receipt a module cannot accept.
// Returns the intent hashes that were dropped.
func (r *Runtime) MarkFailed(workflow, key string) []canonical.Hash {
	ck := cellKey{workflow: workflow, key: key}
	b := r.instances.get(ck)
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := make([]canonical.Hash, 0, len(b.inflight))
	for h := range b.inflight {
		dropped = append(dropped, h)
	}
	b.inflight = make(map[canonical.Hash]InflightIntent)
	b.status = StatusFailed
	return dropped
}

// InstanceStatus returns the current lifecycle status of one instance, or
// StatusRunning if the instance has never been tracked (e.g. hasn't emitted
// an effect yet).
func (r *Runtime) InstanceStatus(workflow, key string) Status {
	ck := cellKey{workflow: workflow, key: key}
	b, ok := r.instances.peek(ck)
	if !ok {
		return StatusRunning
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// InflightCount returns how many intents one instance is still waiting on
// receipts for.
func (r *Runtime) InflightCount(workflow, key string) int {
	ck := cellKey{workflow: workflow, key: key}
	b, ok := r.instances.peek(ck)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// TotalInflight sums InflightCount across every instance this runtime has
// ever tracked, the workflow-module half of the kernel's snapshot receipt
// horizon computation.
func (r *Runtime) TotalInflight() int {
	return r.instances.totalInflight()
}

// finalizeInstanceStatus updates an instance's status after a tick: an
// instance with no remaining state and no inflight intents is done and its
// bookkeeping is dropped (persistState already dropped its cell index entry);
// otherwise its status reflects whether it is still waiting on any intent.
// A Failed instance stays Failed: the fault path is terminal until an
// operator replaces the instance's state out of band.
func (r *Runtime) finalizeInstanceStatus(workflow string, key []byte, stateEmpty bool) {
	ck := cellKey{workflow: workflow, key: string(key)}

	if stateEmpty && r.InflightCount(workflow, string(key)) == 0 {
		r.instances.delete(ck)
		return
	}

	b := r.instances.get(ck)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusFailed {
		return
	}
	if len(b.inflight) > 0 {
		b.status = StatusWaiting
	} else {
		b.status = StatusRunning
	}
}
