package graphs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bitvm/bridge/chain"
	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/params"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// PegInGraph is a depositor's deposit together with the two ways out of it:
// the committee's confirm and the depositor's refund.
type PegInGraph struct {
	version      string
	network      *chaincfg.Params
	depositorKey *btcec.PublicKey
	committee    *contexts.Committee
	evmAddress   common.Address
	depositInput transactions.Input

	deposit *transactions.PreSignedTx
	refund  *transactions.PreSignedTx
	confirm *transactions.PreSignedTx
}

// NewPegInGraph builds a peg-in of input, minting to evmAddress, and signs
// the depositor's part of it.
func NewPegInGraph(ctx *contexts.DepositorContext, input transactions.Input,
	evmAddress common.Address) (*PegInGraph, error) {

	g := &PegInGraph{
		version:      params.GraphVersion,
		network:      ctx.Network(),
		depositorKey: ctx.PublicKey(),
		committee:    ctx.Committee(),
		evmAddress:   evmAddress,
		depositInput: input,
	}

	txs, err := g.rebuild()
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		if err := tx.SignWith(ctx.PrivateKey()); err != nil {
			return nil, err
		}
	}
	g.setTxs(txs)

	log.Debugf("Created peg-in graph %v for %v", g.ID(), evmAddress)

	return g, nil
}

// pegInParams returns the public parameters the graph is built from.
func (g *PegInGraph) pegInParams() *transactions.PegInParams {
	return &transactions.PegInParams{
		Network:      g.network,
		DepositorKey: g.depositorKey,
		Committee:    g.committee,
		EVMAddress:   g.evmAddress,
		DepositInput: g.depositInput,
	}
}

// rebuild derives the unsigned transactions from the graph parameters.
func (g *PegInGraph) rebuild() ([]*transactions.PreSignedTx, error) {
	p := g.pegInParams()

	conns, err := transactions.NewPegInConnectors(p)
	if err != nil {
		return nil, err
	}

	deposit, err := transactions.NewPegInDepositForValidation(p, conns)
	if err != nil {
		return nil, err
	}
	refund, err := transactions.NewPegInRefundForValidation(
		p, conns, deposit.Output(0),
	)
	if err != nil {
		return nil, err
	}
	confirm, err := transactions.NewPegInConfirmForValidation(
		p, conns, deposit.Output(0),
	)
	if err != nil {
		return nil, err
	}

	return []*transactions.PreSignedTx{deposit, refund, confirm}, nil
}

// txs returns the graph transactions in rebuild order.
func (g *PegInGraph) txs() []*transactions.PreSignedTx {
	return []*transactions.PreSignedTx{g.deposit, g.refund, g.confirm}
}

// setTxs replaces the graph transactions, given in rebuild order.
func (g *PegInGraph) setTxs(txs []*transactions.PreSignedTx) {
	g.deposit, g.refund, g.confirm = txs[0], txs[1], txs[2]
}

// ID is the txid of the deposit.
func (g *PegInGraph) ID() string {
	return g.deposit.TxID().String()
}

// Network returns the chain the graph lives on.
func (g *PegInGraph) Network() *chaincfg.Params {
	return g.network
}

// DepositorKey returns the depositor's public key.
func (g *PegInGraph) DepositorKey() *btcec.PublicKey {
	return g.depositorKey
}

// Committee returns the verifier roster of the graph.
func (g *PegInGraph) Committee() *contexts.Committee {
	return g.committee
}

// EVMAddress returns the address the peg-in mints to.
func (g *PegInGraph) EVMAddress() common.Address {
	return g.evmAddress
}

// DepositOutput is connector Z, the output locked by the deposit.
func (g *PegInGraph) DepositOutput() transactions.Input {
	return g.deposit.Output(0)
}

// ConfirmOutput is the committee output the operators are reimbursed from.
func (g *PegInGraph) ConfirmOutput() transactions.Input {
	return g.confirm.Output(0)
}

// Tx returns the graph transaction called name.
func (g *PegInGraph) Tx(name string) (*transactions.PreSignedTx, bool) {
	for _, tx := range g.txs() {
		if tx.Name() == name {
			return tx, true
		}
	}

	return nil, false
}

// Validate rebuilds the graph from its parameters and checks that every
// stored transaction matches, with valid nonces and signatures. On success
// the graph is ready for signing and broadcasting.
func (g *PegInGraph) Validate() error {
	rebuilt, err := g.rebuild()
	if err != nil {
		return fmt.Errorf("%w: peg-in %v: %w", ErrInvalidGraph,
			g.deposit.TxID(), err)
	}

	if err := loadTxs(g.ID(), rebuilt, g.txs()); err != nil {
		return err
	}
	g.setTxs(rebuilt)

	return nil
}

// Merge adds the signing data of other, a copy of the same graph. On
// conflict g is left untouched.
func (g *PegInGraph) Merge(other *PegInGraph) error {
	if g.ID() != other.ID() {
		return fmt.Errorf("%w: merging peg-in %v into %v",
			ErrInvariant, other.ID(), g.ID())
	}

	merged, err := mergeTxs(g.txs(), other.txs())
	if err != nil {
		return fmt.Errorf("peg-in %v: %w", g.ID(), err)
	}
	g.setTxs(merged)

	return nil
}

// Clone returns a deep copy.
func (g *PegInGraph) Clone() *PegInGraph {
	c := *g
	c.setTxs(cloneTxs(g.txs()))

	return &c
}

// PushNonces adds v's public nonces to every committee input and returns
// the matching secrets.
func (g *PegInGraph) PushNonces(v *contexts.VerifierContext) (SecretNonces,
	error) {

	txs, secrets, err := pushNonces(v, g.txs())
	if err != nil {
		return nil, fmt.Errorf("peg-in %v: %w", g.ID(), err)
	}
	g.setTxs(txs)

	return secrets, nil
}

// PreSign adds v's partial signatures using the secrets from PushNonces.
// Consumed secrets are removed from secrets.
func (g *PegInGraph) PreSign(v *contexts.VerifierContext,
	secrets SecretNonces) error {

	txs, err := preSign(v, g.txs(), secrets)
	if err != nil {
		return fmt.Errorf("peg-in %v: %w", g.ID(), err)
	}
	g.setTxs(txs)

	return nil
}

// IsPreSigned reports whether the whole committee signed the confirm.
func (g *PegInGraph) IsPreSigned() bool {
	return allPreSigned(g.txs())
}

// Snapshot samples the chain state of the graph transactions.
func (g *PegInGraph) Snapshot(ctx context.Context,
	c chain.Client) (*ChainSnapshot, error) {

	watched := make([]watchedTx, 0, 3)
	for _, tx := range g.txs() {
		watched = append(watched, watchedTx{
			name: tx.Name(),
			txid: tx.TxID(),
		})
	}

	return sampleChain(ctx, c, watched, nil)
}

// DepositorStatus returns the depositor's next step.
func (g *PegInGraph) DepositorStatus(
	snap *ChainSnapshot) PegInDepositorStatus {

	const (
		deposit = transactions.PegInDepositName
		refund  = transactions.PegInRefundName
		confirm = transactions.PegInConfirmName
	)

	switch {
	case snap.Confirmed(confirm):
		return PegInDepositorComplete

	case snap.Confirmed(refund):
		return PegInDepositorRefunded

	case !snap.Known(deposit):
		return PegInDepositorNotStarted

	case !snap.Confirmed(deposit), snap.Known(confirm),
		snap.Known(refund):

		return PegInDepositorWait

	case g.IsPreSigned():
		return PegInDepositorConfirmAvailable

	case snap.Matured(deposit, connectors.RefundTimelock(g.network)):
		return PegInDepositorRefundAvailable

	default:
		return PegInDepositorWait
	}
}

// VerifierStatus returns v's next step.
func (g *PegInGraph) VerifierStatus(v *contexts.VerifierContext,
	snap *ChainSnapshot) PegInVerifierStatus {

	if snap.Confirmed(transactions.PegInConfirmName) ||
		snap.Confirmed(transactions.PegInRefundName) {

		return PegInVerifierComplete
	}

	hasNonces, noncesComplete, hasPartials := verifierProgress(g.txs(), v)
	switch {
	case !hasNonces:
		return PegInVerifierPushNonces

	case noncesComplete && !hasPartials:
		return PegInVerifierPreSign

	default:
		return PegInVerifierWait
	}
}

// BroadcastDeposit broadcasts the deposit.
func (g *PegInGraph) BroadcastDeposit(ctx context.Context,
	c chain.Client) error {

	snap, err := g.Snapshot(ctx, c)
	if err != nil {
		return err
	}
	if err := checkBroadcast(snap, g.deposit.Name()); err != nil {
		return err
	}

	tx, err := g.deposit.Finalize(nil)
	if err != nil {
		return err
	}

	return broadcast(ctx, c, g.deposit.Name(), tx)
}

// BroadcastRefund returns the deposit to the depositor once the refund
// timelock expired.
func (g *PegInGraph) BroadcastRefund(ctx context.Context,
	c chain.Client) error {

	snap, err := g.Snapshot(ctx, c)
	if err != nil {
		return err
	}

	name := g.refund.Name()
	if err := checkBroadcast(snap, name, g.deposit.Name()); err != nil {
		return err
	}
	if err := checkUnspent(snap, name, g.confirm.Name()); err != nil {
		return err
	}
	err = checkMatured(
		snap, name, g.deposit.Name(),
		connectors.RefundTimelock(g.network),
	)
	if err != nil {
		return err
	}

	tx, err := g.refund.Finalize(nil)
	if err != nil {
		return err
	}

	return broadcast(ctx, c, name, tx)
}

// BroadcastConfirm moves the deposit under committee control.
func (g *PegInGraph) BroadcastConfirm(ctx context.Context,
	c chain.Client) error {

	snap, err := g.Snapshot(ctx, c)
	if err != nil {
		return err
	}

	name := g.confirm.Name()
	if err := checkBroadcast(snap, name, g.deposit.Name()); err != nil {
		return err
	}
	if err := checkUnspent(snap, name, g.refund.Name()); err != nil {
		return err
	}
	if !g.confirm.IsPreSigned() {
		return fmt.Errorf("%w: peg-in %v", ErrNotPreSigned, g.ID())
	}

	tx, err := g.confirm.Finalize(nil)
	if err != nil {
		return err
	}

	return broadcast(ctx, c, name, tx)
}

// pegInGraphJSON is the serialized form of a PegInGraph.
type pegInGraphJSON struct {
	Version      string                    `json:"version"`
	Network      string                    `json:"network"`
	DepositorKey string                    `json:"depositor_public_key"`
	Committee    []string                  `json:"n_of_n_public_keys"`
	EVMAddress   common.Address            `json:"depositor_evm_address"`
	DepositInput transactions.Input        `json:"deposit_input"`
	PegInDeposit *transactions.PreSignedTx `json:"peg_in_deposit"`
	PegInRefund  *transactions.PreSignedTx `json:"peg_in_refund"`
	PegInConfirm *transactions.PreSignedTx `json:"peg_in_confirm"`
}

// MarshalJSON encodes the graph.
func (g *PegInGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(pegInGraphJSON{
		Version: g.version,
		Network: g.network.Name,
		DepositorKey: hex.EncodeToString(
			g.depositorKey.SerializeCompressed(),
		),
		Committee:    g.committee.HexKeys(),
		EVMAddress:   g.evmAddress,
		DepositInput: g.depositInput,
		PegInDeposit: g.deposit,
		PegInRefund:  g.refund,
		PegInConfirm: g.confirm,
	})
}

// UnmarshalJSON decodes a graph written by MarshalJSON. The graph must pass
// Validate before it is used.
func (g *PegInGraph) UnmarshalJSON(b []byte) error {
	var raw pegInGraphJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	net, ok := params.NetworkByName(raw.Network)
	if !ok {
		return fmt.Errorf("unknown network %q", raw.Network)
	}
	depositorKey, err := parsePubKey(raw.DepositorKey)
	if err != nil {
		return fmt.Errorf("depositor key: %w", err)
	}
	committee, err := contexts.NewCommitteeFromHex(raw.Committee)
	if err != nil {
		return err
	}
	if raw.PegInDeposit == nil || raw.PegInRefund == nil ||
		raw.PegInConfirm == nil {

		return fmt.Errorf("%w: peg-in is missing transactions",
			ErrInvalidGraph)
	}
	raw.PegInDeposit.SetName(transactions.PegInDepositName)
	raw.PegInRefund.SetName(transactions.PegInRefundName)
	raw.PegInConfirm.SetName(transactions.PegInConfirmName)

	*g = PegInGraph{
		version:      raw.Version,
		network:      net,
		depositorKey: depositorKey,
		committee:    committee,
		evmAddress:   raw.EVMAddress,
		depositInput: raw.DepositInput,
		deposit:      raw.PegInDeposit,
		refund:       raw.PegInRefund,
		confirm:      raw.PegInConfirm,
	}

	return nil
}

// parsePubKey parses a compressed hex public key.
func parsePubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(b)
}
