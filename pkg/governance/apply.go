package governance

import (
	"context"
	"encoding/json"

	"github.com/mindburn-labs/agentkernel/pkg/journal"
	"github.com/mindburn-labs/agentkernel/pkg/manifestdef"
)

// manifestJournalEntry is the record journaled on a successful apply,
// carrying the proposal id so replay can correlate it with the approval
// chain that authorized it.
type manifestJournalEntry struct {
	ProposalID uint64
	Manifest   *manifestdef.Manifest
}

// Apply resolves a quorum-approved proposal's patch into a validated
// manifest and journals it as the new active manifest. It requires the
// proposal to already be Approved (quorum satisfied via Approve); Apply
// itself never touches the approval chain. Grounded on the teacher's
// ExecuteActivation (pkg/governance/lifecycle.go): verify a precondition,
// validate the target, commit one atomic state transition.
func (g *Governor) Apply(ctx context.Context, proposalID uint64) (*manifestdef.Manifest, error) {
	g.mu.Lock()
	p, ok := g.proposals[proposalID]
	if !ok {
		g.mu.Unlock()
		return nil, ErrUnknownProposal
	}
	if p.Status != ProposalApproved {
		g.mu.Unlock()
		return nil, ErrQuorumNotSatisfied
	}
	patchNode := p.PatchNode
	g.mu.Unlock()

	var doc any
	if err := g.Store.GetNode(ctx, patchNode, &doc); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, ErrInvalidPatch.Wrap(err)
	}

	manifest, err := manifestdef.Load(raw)
	if err != nil {
		return nil, ErrInvalidPatch.Wrap(err).WithPath("manifest")
	}

	for _, grant := range manifest.Capabilities {
		for _, ek := range grant.EffectKinds {
			if _, ok := manifest.RouteFor(ek); !ok {
				return nil, ErrEffectCoverage.WithPath("capabilities." + grant.Name + ".effect_kinds." + ek)
			}
		}
	}

	if _, err := g.Journal.Append(ctx, journal.KindManifest, manifestJournalEntry{
		ProposalID: proposalID,
		Manifest:   manifest,
	}); err != nil {
		return nil, err
	}

	g.mu.Lock()
	p, ok = g.proposals[proposalID]
	if ok {
		p.Status = ProposalApplied
	}
	g.mu.Unlock()

	return manifest, nil
}
