package client

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bitvm/bridge/blobstore"
	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/graphs"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRoles(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)
	op := n.operator(t)

	cfg := n.baseConfig(t)
	cfg.Depositor = dep.cfg.Depositor
	cfg.Operator = op.cfg.Operator
	_, err := New(n.ctx, cfg)
	require.ErrorIs(t, err, ErrRole)

	v := n.verifier(t, params.Verifier0Secret)
	cfg = n.baseConfig(t)
	cfg.Verifier = v.cfg.Verifier
	_, err = New(n.ctx, cfg)
	require.ErrorIs(t, err, ErrRole)
}

func TestFlushAndSync(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)
	v := n.verifier(t, params.Verifier0Secret)

	id := n.newPegIn(t, dep)
	require.EqualValues(t, 2, dep.Data().Version)

	require.NoError(t, v.Sync(n.ctx))
	_, ok := v.Data().PegInGraph(id)
	require.True(t, ok)
	require.NotEmpty(t, v.FetchedKey())

	// A second sync finds nothing new.
	fetched := v.FetchedKey()
	require.NoError(t, v.Sync(n.ctx))
	require.Equal(t, fetched, v.FetchedKey())

	// The adopted blob is mirrored.
	_, err := os.Stat(fmt.Sprintf("%s/%s", v.cfg.ResultsDir, fetched))
	require.NoError(t, err)

	// A client started later loads the newest blob.
	late := n.verifier(t, params.Verifier1Secret)
	_, ok = late.Data().PegInGraph(id)
	require.True(t, ok)
	require.Equal(t, fetched, late.FetchedKey())

	require.EqualValues(t, 1, testutil.ToFloat64(dep.metrics.blobWrites))
	require.EqualValues(t, 1, testutil.ToFloat64(
		v.metrics.graphs.WithLabelValues("peg_in"),
	))
}

func TestSyncWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		gap    time.Duration
		merged bool
	}{
		{
			name:   "within window",
			gap:    5 * time.Minute,
			merged: true,
		},
		{
			name:   "outside window",
			gap:    11 * time.Minute,
			merged: false,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			n := newTestNetwork(t)
			dep := n.depositor(t)
			v := n.verifier(t, params.Verifier0Secret)

			old := n.newPegIn(t, dep)

			// A writer that never saw the first blob.
			input := n.fund(t, dep, params.InitialAmount)
			g, err := graphs.NewPegInGraph(
				dep.cfg.Depositor, input, testEVMAddress,
			)
			require.NoError(t, err)

			n.tick(test.gap)
			n.publishRaw(t, &BridgeData{
				Version:      1,
				PegInGraphs:  []*graphs.PegInGraph{g},
				PegOutGraphs: []*graphs.PegOutGraph{},
			})

			require.NoError(t, v.Sync(n.ctx))

			data := v.Data()
			_, ok := data.PegInGraph(g.ID())
			require.True(t, ok)
			_, ok = data.PegInGraph(old)
			require.Equal(t, test.merged, ok)
		})
	}
}

func TestSyncSkipsInvalidBlobs(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)
	v := n.verifier(t, params.Verifier0Secret)

	id := n.newPegIn(t, dep)
	valid := dep.Data()

	// A graph whose deposit pays one satoshi more than it should.
	tampered, err := dep.Data().PegInGraphs[0].MarshalJSON()
	require.NoError(t, err)
	g := &graphs.PegInGraph{}
	require.NoError(t, g.UnmarshalJSON(tampered))
	deposit, ok := g.Tx(transactions.PegInDepositName)
	require.True(t, ok)
	deposit.Tx.TxOut[0].Value++

	n.publishRaw(t, []byte("{not json"))
	n.tick(time.Second)
	n.publishRaw(t, &BridgeData{
		Version:      3,
		PegInGraphs:  []*graphs.PegInGraph{g},
		PegOutGraphs: []*graphs.PegOutGraph{},
	})

	require.NoError(t, v.Sync(n.ctx))

	data := v.Data()
	require.Len(t, data.PegInGraphs, 1)
	require.Equal(t, id, data.PegInGraphs[0].ID())
	require.Equal(t, valid.Version, data.Version)
	require.EqualValues(t, 2, testutil.ToFloat64(
		v.metrics.blobReads.WithLabelValues(blobInvalid),
	))
}

func TestLoadFromMirror(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)
	id := n.newPegIn(t, dep)

	// Same results directory, empty remote store.
	driver, err := blobstore.NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	cfg := n.baseConfig(t)
	cfg.Depositor = dep.cfg.Depositor
	cfg.Store = blobstore.NewDataStore(driver, n.clock)
	cfg.ResultsDir = dep.cfg.ResultsDir

	restored := n.newClient(t, cfg)
	_, ok := restored.Data().PegInGraph(id)
	require.True(t, ok)
	require.Empty(t, restored.FetchedKey())
}

func TestCreatePegInGraph(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)
	v := n.verifier(t, params.Verifier0Secret)

	input := n.fund(t, dep, params.InitialAmount)
	_, err := v.CreatePegInGraph(input, testEVMAddress)
	require.ErrorIs(t, err, ErrRole)

	id, err := dep.CreatePegInGraph(input, testEVMAddress)
	require.NoError(t, err)

	_, err = dep.CreatePegInGraph(input, testEVMAddress)
	require.ErrorIs(t, err, ErrGraphExists)

	g, ok := dep.Data().PegInGraph(id)
	require.True(t, ok)
	deposit, ok := g.Tx(transactions.PegInDepositName)
	require.True(t, ok)
	require.Equal(t, input, deposit.SpentInput(0))
	require.Equal(t, testEVMAddress, g.EVMAddress())
}

func TestResolveInput(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)

	small := n.fund(t, dep, 30_000)
	large := n.fund(t, dep, 120_000)

	// Outpoints read their amount from the chain.
	outpoint := fmt.Sprintf("%v:%d", small.Outpoint.Hash, small.Outpoint.Index)
	input, err := dep.ResolveInput(n.ctx, outpoint, 0)
	require.NoError(t, err)
	require.Equal(t, small, input)

	addr, err := connectors.KeyPathAddress(
		dep.cfg.Depositor.PublicKey(), testNet,
	)
	require.NoError(t, err)

	// Addresses pick the smallest output that is large enough.
	input, err = dep.ResolveInput(n.ctx, addr.String(), 20_000)
	require.NoError(t, err)
	require.Equal(t, small, input)

	input, err = dep.ResolveInput(n.ctx, addr.String(), 100_000)
	require.NoError(t, err)
	require.Equal(t, large, input)

	_, err = dep.ResolveInput(
		n.ctx, addr.String(), btcutil.Amount(200_000),
	)
	require.ErrorIs(t, err, ErrNoUTXO)

	_, err = dep.ResolveInput(n.ctx, "neither", 0)
	require.Error(t, err)
}

func TestOperatorStatusMissingPegOut(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)
	op := n.operator(t)

	pegIn := n.newPegIn(t, dep)
	require.NoError(t, op.Sync(n.ctx))

	line := statusOf(t, op, pegIn)
	require.Equal(t, MissingPegOutGraph, line.Status)

	kickOff := n.fund(t, op, params.InitialAmount)
	id, err := op.CreatePegOutGraph(pegIn, kickOff)
	require.NoError(t, err)

	_, err = op.CreatePegOutGraph(pegIn, kickOff)
	require.ErrorIs(t, err, ErrGraphExists)

	_, err = op.CreatePegOutGraph("unknown", kickOff)
	require.ErrorIs(t, err, ErrUnknownGraph)

	report, err := op.Status(n.ctx)
	require.NoError(t, err)
	require.Len(t, report, 1)
	require.Equal(t, id, report[0].GraphID)
	require.Equal(t, KindPegOut, report[0].Kind)
	require.Equal(t, graphs.PegOutOperatorPresignPending.String(),
		report[0].Status)
}

func TestExportPSBT(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)
	id := n.newPegIn(t, dep)

	packet, err := dep.ExportPSBT(id, transactions.PegInConfirmName)
	require.NoError(t, err)

	g, _ := dep.Data().PegInGraph(id)
	confirm, _ := g.Tx(transactions.PegInConfirmName)
	require.Equal(t, confirm.TxID(), packet.UnsignedTx.TxHash())
	require.Len(t, packet.Inputs, len(confirm.Tx.TxIn))
	require.NotNil(t, packet.Inputs[0].WitnessUtxo)

	_, err = dep.ExportPSBT("unknown", transactions.PegInConfirmName)
	require.ErrorIs(t, err, ErrUnknownGraph)

	_, err = dep.ExportPSBT(id, transactions.Take1Name)
	require.Error(t, err)
}

func TestBroadcastUnknownStep(t *testing.T) {
	t.Parallel()

	n := newTestNetwork(t)
	dep := n.depositor(t)
	id := n.newPegIn(t, dep)

	err := dep.Broadcast(n.ctx, Step("teleport"), id)
	require.ErrorIs(t, err, ErrUnknownStep)

	err = dep.Broadcast(n.ctx, StepDeposit, "unknown")
	require.ErrorIs(t, err, ErrUnknownGraph)

	for _, step := range Steps() {
		_, err := step.TxName()
		require.NoError(t, err)
	}
}
