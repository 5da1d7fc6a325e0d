package client

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitvm/bridge/blobstore"
	"github.com/bitvm/bridge/chain/chaintest"
	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/evm"
	"github.com/bitvm/bridge/nonces"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var (
	testNet = &chaincfg.TestNet3Params

	testEVMAddress = common.HexToAddress(params.DefaultEVMAddress)

	testNow = time.UnixMilli(1_700_000_000_000)

	testSuperblock = chainhash.HashH([]byte("superblock"))
)

// fakeSuperblocks is a SuperblockSource with a fixed answer.
type fakeSuperblocks struct {
	tip   chainhash.Hash
	valid bool
}

func (f *fakeSuperblocks) TipHash(context.Context) (chainhash.Hash, error) {
	return f.tip, nil
}

func (f *fakeSuperblocks) SuperblockValid(context.Context, chainhash.Hash,
	time.Time) (bool, error) {

	return f.valid, nil
}

// testNetwork is a set of participants sharing one chain and one blob
// store directory.
type testNetwork struct {
	ctx       context.Context
	chain     *chaintest.MockChain
	clock     *clock.TestClock
	storeDir  string
	committee *contexts.Committee

	superblocks *fakeSuperblocks
}

func newTestNetwork(t *testing.T) *testNetwork {
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

	n := &testNetwork{
		ctx:       context.Background(),
		chain:     chaintest.New(),
		clock:     clock.NewTestClock(testNow),
		storeDir:  t.TempDir(),
		committee: committee,
		superblocks: &fakeSuperblocks{
			tip:   testSuperblock,
			valid: true,
		},
	}
	n.chain.VerifyScripts(true)

	return n
}

// tick moves the shared clock forward.
func (n *testNetwork) tick(d time.Duration) {
	n.clock.SetTime(n.clock.Now().Add(d))
}

// dataStore returns a fresh view of the shared blob store.
func (n *testNetwork) dataStore(t *testing.T) *blobstore.DataStore {
	t.Helper()

	driver, err := blobstore.NewLocalDriver(n.storeDir)
	require.NoError(t, err)

	return blobstore.NewDataStore(driver, n.clock)
}

// baseConfig returns a client config on the shared store and chain.
func (n *testNetwork) baseConfig(t *testing.T) *Config {
	t.Helper()

	return &Config{
		Store:       n.dataStore(t),
		Chain:       n.chain,
		Superblocks: n.superblocks,
		ResultsDir:  filepath.Join(t.TempDir(), "results"),
		Clock:       n.clock,
		Registerer:  prometheus.NewRegistry(),
	}
}

func (n *testNetwork) newClient(t *testing.T, cfg *Config) *BitVMClient {
	t.Helper()

	c, err := New(n.ctx, cfg)
	require.NoError(t, err)

	return c
}

func (n *testNetwork) depositor(t *testing.T) *BitVMClient {
	t.Helper()

	ctx, err := contexts.NewDepositorContext(
		testNet, params.DepositorSecret, n.committee,
	)
	require.NoError(t, err)

	cfg := n.baseConfig(t)
	cfg.Depositor = ctx

	return n.newClient(t, cfg)
}

func (n *testNetwork) operator(t *testing.T) *BitVMClient {
	t.Helper()

	ctx, err := contexts.NewOperatorContext(
		testNet, params.OperatorSecret, n.committee,
	)
	require.NoError(t, err)

	cfg := n.baseConfig(t)
	cfg.Operator = ctx

	return n.newClient(t, cfg)
}

func (n *testNetwork) withdrawer(t *testing.T) *BitVMClient {
	t.Helper()

	ctx, err := contexts.NewWithdrawerContext(
		testNet, params.WithdrawerSecret, n.committee,
	)
	require.NoError(t, err)

	cfg := n.baseConfig(t)
	cfg.Withdrawer = ctx

	return n.newClient(t, cfg)
}

// verifier returns the client of the verifier with the given demo secret.
func (n *testNetwork) verifier(t *testing.T, secret string) *BitVMClient {
	t.Helper()

	ctx, err := contexts.NewVerifierContext(testNet, secret, n.committee)
	require.NoError(t, err)

	store, err := nonces.Open(filepath.Join(t.TempDir(), "nonces.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	cfg := n.baseConfig(t)
	cfg.Verifier = ctx
	cfg.Nonces = store

	return n.newClient(t, cfg)
}

func (n *testNetwork) verifiers(t *testing.T) []*BitVMClient {
	t.Helper()

	return []*BitVMClient{
		n.verifier(t, params.Verifier0Secret),
		n.verifier(t, params.Verifier1Secret),
	}
}

// fund creates a confirmed key path output of the client's role key.
func (n *testNetwork) fund(t *testing.T, c *BitVMClient,
	amount btcutil.Amount) transactions.Input {

	t.Helper()

	role, err := c.roleContext()
	require.NoError(t, err)
	pkScript, err := connectors.KeyPathScript(role.PublicKey())
	require.NoError(t, err)

	return transactions.Input{
		Outpoint: n.chain.Fund(pkScript, amount),
		Amount:   amount,
	}
}

// flush publishes c's state and moves the clock on so the next writer gets
// a later key.
func (n *testNetwork) flush(t *testing.T, c *BitVMClient) string {
	t.Helper()

	key, err := c.Flush(n.ctx)
	require.NoError(t, err)
	n.tick(time.Second)

	return key
}

// publishRaw writes data to the store without reading it first, like a
// writer that has not seen the latest blobs.
func (n *testNetwork) publishRaw(t *testing.T, data any) string {
	t.Helper()

	blob, ok := data.([]byte)
	if !ok {
		var err error
		blob, err = json.Marshal(data)
		require.NoError(t, err)
	}

	key, err := n.dataStore(t).Write(n.ctx, blob)
	require.NoError(t, err)

	return key
}

// presign runs both signing rounds of graph id through the blob store.
func (n *testNetwork) presign(t *testing.T, id string,
	verifiers []*BitVMClient) {

	t.Helper()

	for _, round := range []func(*BitVMClient) error{
		func(v *BitVMClient) error { return v.PushNonces(id) },
		func(v *BitVMClient) error { return v.PreSign(id) },
	} {
		for _, v := range verifiers {
			require.NoError(t, v.Sync(n.ctx))
			require.NoError(t, round(v))
			n.flush(t, v)
		}
	}
}

// broadcast runs a broadcast and mines it.
func (n *testNetwork) broadcast(t *testing.T, c *BitVMClient, step Step,
	id string, opts ...BroadcastOption) {

	t.Helper()

	require.NoError(t, c.Broadcast(n.ctx, step, id, opts...))
	n.chain.MineBlocks(1)
}

// newPegIn has dep create and publish a peg-in of the initial amount.
func (n *testNetwork) newPegIn(t *testing.T, dep *BitVMClient) string {
	t.Helper()

	input := n.fund(t, dep, params.InitialAmount)
	id, err := dep.CreatePegInGraph(input, testEVMAddress)
	require.NoError(t, err)
	n.flush(t, dep)

	return id
}

// confirmedPegIn runs a peg-in to a mined confirm transaction.
func (n *testNetwork) confirmedPegIn(t *testing.T, dep *BitVMClient,
	verifiers []*BitVMClient) string {

	t.Helper()

	id := n.newPegIn(t, dep)
	n.broadcast(t, dep, StepDeposit, id)
	n.presign(t, id, verifiers)

	require.NoError(t, dep.Sync(n.ctx))
	n.broadcast(t, dep, StepConfirm, id)

	return id
}

// statusOf returns c's status line of graph id.
func statusOf(t *testing.T, c *BitVMClient, id string) GraphStatus {
	t.Helper()

	report, err := c.Status(context.Background())
	require.NoError(t, err)
	for _, line := range report {
		if line.GraphID == id {
			return line
		}
	}
	require.Failf(t, "no status", "graph %v not in report", id)

	return GraphStatus{}
}

// pegOutEvent returns a peg-out request for amount paid from the confirm
// output of pegIn and answered by op.
func pegOutEvent(t *testing.T, pegIn *BridgeData, pegInID string,
	op *BitVMClient, amount btcutil.Amount) *evm.PegOutInitiated {

	t.Helper()

	g, ok := pegIn.PegInGraph(pegInID)
	require.True(t, ok)

	withdrawer, err := contexts.ParseSecret(params.WithdrawerSecret)
	require.NoError(t, err)
	addr, err := connectors.KeyPathAddress(withdrawer.PubKey(), testNet)
	require.NoError(t, err)

	return &evm.PegOutInitiated{
		LogOrigin: evm.LogOrigin{
			BlockNumber: 7,
			TxHash:      common.HexToHash("0x01"),
		},
		Withdrawer:         testEVMAddress,
		DestinationAddress: addr.String(),
		SourceOutpoint:     g.ConfirmOutput().Outpoint,
		Amount:             amount,
		OperatorKey:        op.cfg.Operator.PublicKey(),
		Timestamp:          1_700_000_100,
	}
}
