package governance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyring_SignAndVerify_RoundTrips(t *testing.T) {
	kr := NewKeyring(nil)
	rec := ApprovalRecord{ID: "a1", ProposalID: 1, Decision: DecisionApprove, Approver: "alice"}

	sig, err := kr.Sign(rec)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := Verify(kr.PublicKey(), rec, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestKeyring_Verify_RejectsTamperedRecord(t *testing.T) {
	kr := NewKeyring(nil)
	rec := ApprovalRecord{ID: "a1", ProposalID: 1, Decision: DecisionApprove, Approver: "alice"}

	sig, err := kr.Sign(rec)
	require.NoError(t, err)

	rec.Approver = "mallory"
	ok, err := Verify(kr.PublicKey(), rec, sig)
	require.NoError(t, err)
	require.False(t, ok)
}
