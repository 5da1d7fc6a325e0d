package graphs

import (
	"context"
	"maps"
	"testing"

	"github.com/bitvm/bridge/chain/chaintest"
	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	testNet = &chaincfg.TestNet3Params

	testEVMAddress = common.HexToAddress(params.DefaultEVMAddress)

	testStartTime  uint32 = 1_700_000_600
	testSuperblock        = chainhash.HashH([]byte("superblock"))
)

type testHarness struct {
	ctx       context.Context
	chain     *chaintest.MockChain
	committee *contexts.Committee
	depositor *contexts.DepositorContext
	operator  *contexts.OperatorContext
	verifiers []*contexts.VerifierContext
}

func newTestHarness(t testing.TB) *testHarness {
	t.Helper()

	var keys []*btcec.PublicKey
	for _, secret := range []string{
		params.Verifier0Secret, params.Verifier1Secret,
	} {
		priv, err := contexts.ParseSecret(secret)
		require.NoError(t, err)
		keys = append(keys, priv.PubKey())
	}
	committee, err := contexts.NewCommittee(keys)
	require.NoError(t, err)

	h := &testHarness{
		ctx:       context.Background(),
		chain:     chaintest.New(),
		committee: committee,
	}
	h.chain.VerifyScripts(true)

	h.depositor, err = contexts.NewDepositorContext(
		testNet, params.DepositorSecret, committee,
	)
	require.NoError(t, err)
	h.operator, err = contexts.NewOperatorContext(
		testNet, params.OperatorSecret, committee,
	)
	require.NoError(t, err)
	for _, secret := range []string{
		params.Verifier0Secret, params.Verifier1Secret,
	} {
		v, err := contexts.NewVerifierContext(
			testNet, secret, committee,
		)
		require.NoError(t, err)
		h.verifiers = append(h.verifiers, v)
	}

	return h
}

// fund creates a confirmed key path output of key.
func (h *testHarness) fund(t testing.TB, key *btcec.PublicKey,
	amount btcutil.Amount) transactions.Input {

	t.Helper()

	pkScript, err := connectors.KeyPathScript(key)
	require.NoError(t, err)

	return transactions.Input{
		Outpoint: h.chain.Fund(pkScript, amount),
		Amount:   amount,
	}
}

// keyScript returns the key path script of key.
func keyScript(t testing.TB, key *btcec.PublicKey) []byte {
	t.Helper()

	pkScript, err := connectors.KeyPathScript(key)
	require.NoError(t, err)

	return pkScript
}

func (h *testHarness) newPegIn(t testing.TB) *PegInGraph {
	t.Helper()

	input := h.fund(t, h.depositor.PublicKey(), params.InitialAmount)
	g, err := NewPegInGraph(h.depositor, input, testEVMAddress)
	require.NoError(t, err)

	return g
}

// signable is a graph the committee pre-signs.
type signable interface {
	PushNonces(*contexts.VerifierContext) (SecretNonces, error)
	PreSign(*contexts.VerifierContext, SecretNonces) error
	IsPreSigned() bool
}

// presign runs both signing rounds for every verifier.
func (h *testHarness) presign(t testing.TB, g signable) {
	t.Helper()

	secrets := make([]SecretNonces, len(h.verifiers))
	for i, v := range h.verifiers {
		var err error
		secrets[i], err = g.PushNonces(v)
		require.NoError(t, err)
	}
	for i, v := range h.verifiers {
		require.NoError(t, g.PreSign(v, secrets[i]))
		require.Empty(t, secrets[i])
	}
	require.True(t, g.IsPreSigned())
}

// confirmedPegIn returns a pre-signed peg-in whose confirm is mined.
func (h *testHarness) confirmedPegIn(t testing.TB) *PegInGraph {
	t.Helper()

	g := h.newPegIn(t)
	h.presign(t, g)

	require.NoError(t, g.BroadcastDeposit(h.ctx, h.chain))
	h.chain.MineBlocks(1)
	require.NoError(t, g.BroadcastConfirm(h.ctx, h.chain))
	h.chain.MineBlocks(1)

	return g
}

// newUnpaidPegOut returns a pre-signed peg-out graph of a confirmed peg-in
// that answers no withdrawal yet.
func (h *testHarness) newUnpaidPegOut(t testing.TB) *PegOutGraph {
	t.Helper()

	pegIn := h.confirmedPegIn(t)

	kickOff := h.fund(t, h.operator.PublicKey(), params.InitialAmount)
	g, err := NewPegOutGraph(h.operator, pegIn, kickOff)
	require.NoError(t, err)
	h.presign(t, g)

	return g
}

// withdrawal returns a funded withdrawal request of amount.
func (h *testHarness) withdrawal(t testing.TB,
	amount btcutil.Amount) *transactions.WithdrawalRequest {

	t.Helper()

	withdrawer, err := contexts.ParseSecret(params.WithdrawerSecret)
	require.NoError(t, err)

	return &transactions.WithdrawalRequest{
		Destination: keyScript(t, withdrawer.PubKey()),
		Amount:      amount,
		Timestamp:   1_700_000_000,
		EVMAddress:  testEVMAddress,
		Funding: h.fund(
			t, h.operator.PublicKey(), amount+10_000,
		),
	}
}

// newPegOut returns a pre-signed peg-out graph of a confirmed peg-in,
// answering a withdrawal.
func (h *testHarness) newPegOut(t testing.TB) *PegOutGraph {
	t.Helper()

	g := h.newUnpaidPegOut(t)
	err := g.AttachWithdrawal(h.operator, h.withdrawal(t, 50_000))
	require.NoError(t, err)

	return g
}

// step runs a broadcast and mines it.
func (h *testHarness) step(t testing.TB, broadcast func() error) {
	t.Helper()

	require.NoError(t, broadcast())
	h.chain.MineBlocks(1)
}

// claim runs the operator's graph up to a confirmed kick off 2.
func (h *testHarness) claim(t testing.TB, g *PegOutGraph) {
	t.Helper()

	ctx, c, op := h.ctx, h.chain, h.operator
	h.step(t, func() error { return g.BroadcastPegOut(ctx, c) })
	h.step(t, func() error { return g.BroadcastKickOff1(ctx, c) })
	h.step(t, func() error {
		return g.BroadcastStartTime(ctx, c, op, testStartTime)
	})
	h.step(t, func() error {
		return g.BroadcastKickOff2(ctx, c, op, testSuperblock)
	})
}

// spender returns the confirmed transaction spending op.
func (h *testHarness) spender(t testing.TB, op wire.OutPoint) *wire.MsgTx {
	t.Helper()

	spend, err := h.chain.GetOutSpend(h.ctx, op)
	require.NoError(t, err)
	require.True(t, spend.Spent)

	tx, ok := h.chain.Tx(spend.Txid)
	require.True(t, ok)

	return tx
}

// snapshot samples the chain for a peg-out graph.
func (h *testHarness) snapshot(t testing.TB, g *PegOutGraph) *ChainSnapshot {
	t.Helper()

	snap, err := g.Snapshot(h.ctx, h.chain)
	require.NoError(t, err)

	return snap
}

// copySecrets deep copies secret nonces.
func copySecrets(s SecretNonces) SecretNonces {
	c := make(SecretNonces, len(s))
	for txid, inputs := range s {
		c[txid] = maps.Clone(inputs)
	}

	return c
}
