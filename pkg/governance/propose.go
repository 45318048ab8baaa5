package governance

import (
	"context"
	"encoding/json"

	"github.com/gowebpki/jcs"

	"github.com/mindburn-labs/agentkernel/pkg/canonical"
)

// Propose decodes and canonicalizes a manifest patch document, stores it
// content-addressed, and registers it under a new numeric proposal id.
//
// The patch is JSON-canonicalized via RFC 8785 (gowebpki/jcs) rather than
// this kernel's schema-typed canonical CBOR, because a proposal patch is an
// untyped JSON document submitted by an operator, not a node whose schema
// the store already knows — the teacher canonicalizes evidence documents the
// same way for the same reason (its internal pkg/compliance/jcs shim, here
// replaced by the real RFC 8785 implementation).
func (g *Governor) Propose(ctx context.Context, patchBytes []byte, description string) (uint64, error) {
	canonBytes, err := jcs.Transform(patchBytes)
	if err != nil {
		return 0, ErrInvalidPatch.Wrap(err).WithPath("patch")
	}
	patchHash := canonical.HashBytes(canonBytes)

	var doc any
	if err := json.Unmarshal(canonBytes, &doc); err != nil {
		return 0, ErrInvalidPatch.Wrap(err).WithPath("patch")
	}
	patchNode, err := g.Store.PutNode(ctx, doc)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := g.nextID
	g.proposals[id] = &Proposal{
		ID:          id,
		Description: description,
		PatchHash:   patchHash,
		PatchNode:   patchNode,
		Status:      ProposalPending,
	}
	return id, nil
}
