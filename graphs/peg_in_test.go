package graphs

import (
	"encoding/json"
	"testing"

	"github.com/bitvm/bridge/transactions"
	"github.com/stretchr/testify/require"
)

func TestPegInConfirm(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	g := h.newPegIn(t)
	require.Equal(t, g.deposit.TxID().String(), g.ID())

	snap, err := g.Snapshot(h.ctx, h.chain)
	require.NoError(t, err)
	require.Equal(t, PegInDepositorNotStarted, g.DepositorStatus(snap))
	require.Equal(t, PegInVerifierPushNonces,
		g.VerifierStatus(h.verifiers[0], snap))

	err = g.BroadcastConfirm(h.ctx, h.chain)
	require.ErrorIs(t, err, ErrPremature)

	require.NoError(t, g.BroadcastDeposit(h.ctx, h.chain))
	err = g.BroadcastDeposit(h.ctx, h.chain)
	require.ErrorIs(t, err, ErrAlreadyMined)
	h.chain.MineBlocks(1)

	// The deposit is mined but the committee has not signed yet.
	err = g.BroadcastConfirm(h.ctx, h.chain)
	require.ErrorIs(t, err, ErrNotPreSigned)

	h.presign(t, g)

	snap, err = g.Snapshot(h.ctx, h.chain)
	require.NoError(t, err)
	require.Equal(t, PegInDepositorConfirmAvailable, g.DepositorStatus(snap))
	require.Equal(t, PegInVerifierWait,
		g.VerifierStatus(h.verifiers[1], snap))

	require.NoError(t, g.BroadcastConfirm(h.ctx, h.chain))
	h.chain.MineBlocks(1)

	snap, err = g.Snapshot(h.ctx, h.chain)
	require.NoError(t, err)
	require.Equal(t, PegInDepositorComplete, g.DepositorStatus(snap))
	require.Equal(t, PegInVerifierComplete,
		g.VerifierStatus(h.verifiers[0], snap))

	err = g.BroadcastRefund(h.ctx, h.chain)
	require.ErrorIs(t, err, ErrConflict)
}

func TestPegInRefund(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	g := h.newPegIn(t)

	require.NoError(t, g.BroadcastDeposit(h.ctx, h.chain))
	h.chain.MineBlocks(1)

	snap, err := g.Snapshot(h.ctx, h.chain)
	require.NoError(t, err)
	require.Equal(t, PegInDepositorWait, g.DepositorStatus(snap))

	err = g.BroadcastRefund(h.ctx, h.chain)
	require.ErrorIs(t, err, ErrPremature)

	h.chain.MineBlocks(1)

	snap, err = g.Snapshot(h.ctx, h.chain)
	require.NoError(t, err)
	require.Equal(t, PegInDepositorRefundAvailable, g.DepositorStatus(snap))

	require.NoError(t, g.BroadcastRefund(h.ctx, h.chain))
	h.chain.MineBlocks(1)

	snap, err = g.Snapshot(h.ctx, h.chain)
	require.NoError(t, err)
	require.Equal(t, PegInDepositorRefunded, g.DepositorStatus(snap))

	err = g.BroadcastConfirm(h.ctx, h.chain)
	require.ErrorIs(t, err, ErrConflict)
}

func TestPegInSigningRounds(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	g := h.newPegIn(t)
	v0, v1 := h.verifiers[0], h.verifiers[1]

	s0, err := g.PushNonces(v0)
	require.NoError(t, err)
	require.Len(t, s0, 1)
	require.Len(t, s0[g.confirm.TxID()], 1)

	snap := NewChainSnapshot(0)
	require.Equal(t, PegInVerifierWait, g.VerifierStatus(v0, snap))
	require.Equal(t, PegInVerifierPushNonces, g.VerifierStatus(v1, snap))

	// Signing before every nonce is in leaves the graph and the secrets
	// untouched.
	err = g.PreSign(v0, s0)
	require.Error(t, err)
	require.Len(t, s0, 1)
	require.Empty(t, g.confirm.Musig2Signatures)

	s1, err := g.PushNonces(v1)
	require.NoError(t, err)
	require.Equal(t, PegInVerifierPreSign, g.VerifierStatus(v0, snap))

	require.NoError(t, g.PreSign(v0, s0))
	require.Empty(t, s0)
	require.False(t, g.IsPreSigned())

	// The consumed secrets can't sign again.
	err = g.PreSign(v0, s0)
	require.ErrorIs(t, err, transactions.ErrNonceReuse)

	require.NoError(t, g.PreSign(v1, s1))
	require.True(t, g.IsPreSigned())
}

func TestPegInJSONRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	g := h.newPegIn(t)
	h.presign(t, g)

	b, err := json.Marshal(g)
	require.NoError(t, err)

	var decoded PegInGraph
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, g.ID(), decoded.ID())

	// Transactions are found by role before validation.
	for _, name := range []string{
		transactions.PegInDepositName, transactions.PegInRefundName,
		transactions.PegInConfirmName,
	} {
		tx, ok := decoded.Tx(name)
		require.True(t, ok, name)
		require.Equal(t, name, tx.Name())
	}

	require.NoError(t, decoded.Validate())
	require.True(t, decoded.IsPreSigned())
	require.Equal(t, testEVMAddress, decoded.EVMAddress())

	again, err := json.Marshal(&decoded)
	require.NoError(t, err)
	require.JSONEq(t, string(b), string(again))

	// A validated copy broadcasts like the original.
	require.NoError(t, decoded.BroadcastDeposit(h.ctx, h.chain))
	h.chain.MineBlocks(1)
	require.NoError(t, decoded.BroadcastConfirm(h.ctx, h.chain))
}

func TestPegInValidateRejectsForeignSignature(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	g := h.newPegIn(t)

	b, err := json.Marshal(g)
	require.NoError(t, err)

	var decoded PegInGraph
	require.NoError(t, json.Unmarshal(b, &decoded))

	// Replace the depositor's refund signature with garbage.
	for _, sigs := range decoded.refund.Signatures {
		for id, sig := range sigs {
			bad := append([]byte(nil), sig...)
			bad[0] ^= 1
			sigs[id] = bad
		}
	}

	require.ErrorIs(t, decoded.Validate(), ErrInvalidGraph)
}

func TestPegInMergeConflict(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	g := h.newPegIn(t)

	a, b := g.Clone(), g.Clone()
	_, err := a.PushNonces(h.verifiers[0])
	require.NoError(t, err)
	_, err = b.PushNonces(h.verifiers[0])
	require.NoError(t, err)

	before, err := json.Marshal(a)
	require.NoError(t, err)

	err = a.Merge(b)
	require.ErrorIs(t, err, transactions.ErrMergeConflict)

	after, err := json.Marshal(a)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
