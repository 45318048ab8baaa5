package governance

import "context"

// Shadow summarizes a proposal against the current baseline plus a bounded
// replay tail, without ever touching live kernel state: it reads the
// promoted baseline's hash and a fixed-size window of recent tail records,
// counts every tail record that carries an effect kind, classifies each into
// a cost band, and records the result on the proposal. The proposal's patch
// is not read or applied, so the summary is the same for every proposal
// against the same tail; ManifestHash holds the baseline hash. Grounded on the
// teacher's ValidateMorphogenesis dry-run check (pkg/governance/lifecycle.go)
// generalized from a single structural validation into a cost-banded replay
// simulation, per the governance loop's shadow semantics.
func (g *Governor) Shadow(ctx context.Context, proposalID uint64) (*ShadowSummary, error) {
	g.mu.Lock()
	_, ok := g.proposals[proposalID]
	g.mu.Unlock()
	if !ok {
		return nil, ErrUnknownProposal
	}

	baselineHash, _, err := g.Baseline.CurrentBaseline(ctx)
	if err != nil {
		return nil, err
	}

	maxRecords := defaultTailRecords
	tail, err := g.Tail.Tail(ctx, maxRecords)
	if err != nil {
		return nil, err
	}

	summary := &ShadowSummary{
		ProposalID:   proposalID,
		CostBands:    make(map[CostBand]int),
		ManifestHash: baselineHash,
	}
	for _, ev := range tail {
		if ev.EffectKind == "" {
			continue
		}
		summary.DeltaCount++
		band := g.Cost.Classify(ev.EffectKind)
		summary.CostBands[band]++
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[proposalID]
	if !ok {
		return nil, ErrUnknownProposal
	}
	p.Shadow = summary
	if p.Status == ProposalPending {
		p.Status = ProposalShadowed
	}
	return summary, nil
}
