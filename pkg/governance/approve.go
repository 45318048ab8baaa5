package governance

import (
	"context"

	"github.com/google/uuid"

	"github.com/mindburn-labs/agentkernel/pkg/journal"
)

// approvalJournalEntry is the wire shape journaled for each decision, kept
// separate from ApprovalRecord so the journal record's field set is
// explicit and stable even if ApprovalRecord grows bookkeeping-only fields.
type approvalJournalEntry struct {
	ApprovalRecord
	ResultingStatus ProposalStatus
}

// Approve records a single approver's signed decision on a proposal and
// advances its status once quorum is reached. A rejection moves the
// proposal straight to Rejected, since any single reject in this kernel's
// quorum model is terminal (the teacher's PDP treats Deny the same way:
// fail-closed rather than awaiting further votes).
//
// decidedAt is supplied by the caller (the kernel's deterministic clock)
// rather than read from wall time, preserving replay determinism.
func (g *Governor) Approve(ctx context.Context, proposalID uint64, decision ApprovalDecision, approver string, decidedAt int64) (*ApprovalRecord, error) {
	g.mu.Lock()
	p, ok := g.proposals[proposalID]
	if !ok {
		g.mu.Unlock()
		return nil, ErrUnknownProposal
	}
	if p.Status == ProposalApplied || p.Status == ProposalRejected {
		g.mu.Unlock()
		return nil, ErrAlreadyDecided
	}
	g.mu.Unlock()

	rec := ApprovalRecord{
		ID:         uuid.NewString(),
		ProposalID: proposalID,
		Decision:   decision,
		Approver:   approver,
		DecidedAt:  decidedAt,
	}
	sig, err := g.Keyring.Sign(rec)
	if err != nil {
		return nil, err
	}
	rec.Signature = sig

	g.mu.Lock()
	p, ok = g.proposals[proposalID]
	if !ok {
		g.mu.Unlock()
		return nil, ErrUnknownProposal
	}
	p.Approvals = append(p.Approvals, rec)
	switch {
	case decision == DecisionReject:
		p.Status = ProposalRejected
	case g.Quorum.Satisfied(p.Approvals):
		p.Status = ProposalApproved
	}
	status := p.Status
	g.mu.Unlock()

	if _, err := g.Journal.Append(ctx, journal.KindGovernance, approvalJournalEntry{
		ApprovalRecord:  rec,
		ResultingStatus: status,
	}); err != nil {
		return nil, err
	}

	return &rec, nil
}
