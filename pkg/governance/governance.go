package governance

import (
	"context"
	"sync"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/kernelerrors"
	"github.com/mindburn-labs/agentkernel/pkg/store"
)

// ErrUnknownProposal, ErrQuorumNotSatisfied and ErrEffectCoverage are the
// governance-specific members of the closed error taxonomy.
var (
	ErrUnknownProposal   = kernelerrors.New(kernelerrors.CodeGovernance, "unknown_proposal", "proposal id not found")
	ErrQuorumNotSatisfied = kernelerrors.New(kernelerrors.CodeGovernance, "quorum_not_satisfied", "approval quorum not yet satisfied")
	ErrEffectCoverage     = kernelerrors.New(kernelerrors.CodeGovernance, "effect_coverage", "manifest capability references an effect kind with no route")
	ErrAlreadyDecided     = kernelerrors.New(kernelerrors.CodeGovernance, "already_decided", "proposal already applied or rejected")
	ErrInvalidPatch       = kernelerrors.New(kernelerrors.CodeGovernance, "invalid_patch", "patch is not a valid canonicalizable JSON document")
)

// ProposalStatus tracks a proposal through its lifecycle. Transitions are
// one-directional: Pending -> (optionally Shadowed) -> Approved -> Applied.
// A single reject moves a proposal that is not yet Applied or Rejected to
// Rejected.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalShadowed ProposalStatus = "shadowed"
	ProposalApproved ProposalStatus = "approved"
	ProposalApplied  ProposalStatus = "applied"
	ProposalRejected ProposalStatus = "rejected"
)

// CostBand classifies the simulated cost of a single tail effect during a
// shadow run, grounded conceptually on the teacher's risk tiers
// (pkg/governance/risk_envelope.go's RiskLevel) but scoped to a one-shot
// simulation rather than an ongoing sliding-window accounting system.
type CostBand string

const (
	CostNone   CostBand = "none"
	CostLow    CostBand = "low"
	CostMedium CostBand = "medium"
	CostHigh   CostBand = "high"
)

// Proposal is a patch awaiting governance review.
type Proposal struct {
	ID          uint64
	Description string
	PatchHash   canonical.Hash // hash of the JCS-canonicalized patch bytes
	PatchNode   canonical.Hash // store node holding the decoded patch document
	Status      ProposalStatus
	Shadow      *ShadowSummary
	Approvals   []ApprovalRecord
}

// ShadowSummary is the result of simulating a proposal against the current
// baseline plus a bounded replay tail, without ever mutating live state.
type ShadowSummary struct {
	ProposalID   uint64
	DeltaCount   int
	CostBands    map[CostBand]int
	Errors       []string
	ManifestHash canonical.Hash
}

// ApprovalDecision is a single approver's verdict on a proposal.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// ApprovalRecord is one signed approval or rejection.
type ApprovalRecord struct {
	ID         string
	ProposalID uint64
	Decision   ApprovalDecision
	Approver   string
	Signature  []byte
	DecidedAt  int64
}

// QuorumPolicy decides whether a set of approval records clears the bar for
// applying a proposal. Grounded on the teacher's ApprovalConstraint
// (pkg/governance/pdp.go: ApproverRoles + Threshold).
type QuorumPolicy struct {
	Threshold     int
	ApproverRoles []string
}

// Satisfied reports whether enough distinct approvers have approved.
// ApproverRoles is not consulted: every approver counts regardless of role.
// It does not inspect rejections; callers decide rejection semantics (see
// Approve).
func (q QuorumPolicy) Satisfied(records []ApprovalRecord) bool {
	seen := make(map[string]bool)
	count := 0
	for _, r := range records {
		if r.Decision != DecisionApprove {
			continue
		}
		if seen[r.Approver] {
			continue
		}
		seen[r.Approver] = true
		count++
	}
	threshold := q.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	return count >= threshold
}

// TailEvent is one record pulled from the replay tail for shadow simulation.
type TailEvent struct {
	Kind       string
	EffectKind string
	Payload    []byte
}

// BaselineSource resolves the manifest currently promoted as the active
// baseline, so Shadow can diff a proposal's patch against what is actually
// running rather than an assumed starting point.
type BaselineSource interface {
	CurrentBaseline(ctx context.Context) (canonical.Hash, []byte, error)
}

// TailSource returns the most recent committed records, bounded by
// maxRecords, for shadow simulation to replay against.
type TailSource interface {
	Tail(ctx context.Context, maxRecords int) ([]TailEvent, error)
}

// CostClassifier assigns a CostBand to an effect kind.
type CostClassifier interface {
	Classify(effectKind string) CostBand
}

// StaticCostClassifier is a fixed effect-kind -> CostBand table with a
// default fallback, suitable for deployments without a learned cost model.
type StaticCostClassifier struct {
	Bands   map[string]CostBand
	Default CostBand
}

// Classify looks up kind in Bands, falling back to Default (or CostMedium if
// Default is unset) when kind is unrecognized.
func (c StaticCostClassifier) Classify(kind string) CostBand {
	if b, ok := c.Bands[kind]; ok {
		return b
	}
	if c.Default != "" {
		return c.Default
	}
	return CostMedium
}

const defaultTailRecords = 200

// Governor holds the governance loop's state: pending and decided proposals,
// the signer used for approval records, and the quorum policy gating apply.
// Grounded on the teacher's LifecycleManager (pkg/governance/lifecycle.go),
// generalized from a single-verdict activation gate to a multi-approver
// quorum gate over a stored proposal queue.
type Governor struct {
	Store    store.Store
	Journal  journal.Journal
	Keyring  *Keyring
	Quorum   QuorumPolicy
	Baseline BaselineSource
	Tail     TailSource
	Cost     CostClassifier

	mu        sync.Mutex
	proposals map[uint64]*Proposal
	nextID    uint64
}

// NewGovernor wires a Governor's collaborators. Cost defaults to a
// StaticCostClassifier with a CostMedium fallback when nil.
func NewGovernor(st store.Store, jr journal.Journal, kr *Keyring, quorum QuorumPolicy, baseline BaselineSource, tail TailSource, cost CostClassifier) *Governor {
	if cost == nil {
		cost = StaticCostClassifier{Default: CostMedium}
	}
	return &Governor{
		Store:     st,
		Journal:   jr,
		Keyring:   kr,
		Quorum:    quorum,
		Baseline:  baseline,
		Tail:      tail,
		Cost:      cost,
		proposals: make(map[uint64]*Proposal),
	}
}

// Get returns a snapshot copy of the proposal with the given id.
func (g *Governor) Get(id uint64) (Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return Proposal{}, ErrUnknownProposal
	}
	return *p, nil
}
