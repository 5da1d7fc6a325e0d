package transactions

import (
	"fmt"

	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Names of the peg-in graph transactions.
const (
	PegInDepositName = "peg_in_deposit"
	PegInRefundName  = "peg_in_refund"
	PegInConfirmName = "peg_in_confirm"
)

// PegInParams are the public parameters every peg-in transaction is derived
// from.
type PegInParams struct {
	Network      *chaincfg.Params
	DepositorKey *btcec.PublicKey
	Committee    *contexts.Committee
	EVMAddress   [connectors.EVMAddressSize]byte

	// DepositInput is the depositor output funding the peg-in.
	DepositInput Input
}

// PegInConnectors are the outputs created by a peg-in.
type PegInConnectors struct {
	Z  *connectors.ConnectorZ
	C0 *connectors.Connector0
}

// NewPegInConnectors derives the peg-in connectors.
func NewPegInConnectors(p *PegInParams) (*PegInConnectors, error) {
	z, err := connectors.NewConnectorZ(
		p.Network, p.DepositorKey, p.Committee.AggregateKey(),
		p.EVMAddress,
	)
	if err != nil {
		return nil, err
	}

	c0, err := connectors.NewConnector0(
		p.Network, p.Committee.AggregateKey(),
	)
	if err != nil {
		return nil, err
	}

	return &PegInConnectors{Z: z, C0: c0}, nil
}

// spendable returns in minus the flat fee, failing if nothing is left.
func spendable(in Input, name string) (int64, error) {
	out := in.Amount - params.FeeAmount
	if out <= 0 {
		return 0, fmt.Errorf("%w: %s input of %v cannot pay the fee",
			ErrInsufficientFunds, name, in.Amount)
	}

	return int64(out), nil
}

// NewPegInDepositForValidation builds the deposit moving the depositor's
// funds into connector Z.
func NewPegInDepositForValidation(p *PegInParams,
	c *PegInConnectors) (*PreSignedTx, error) {

	tx := newPreSignedTx(PegInDepositName, p.Committee)

	amount, err := spendable(p.DepositInput, tx.name)
	if err != nil {
		return nil, err
	}

	err = tx.addKeyInput(
		p.DepositorKey, p.DepositInput, txscript.SigHashDefault,
	)
	if err != nil {
		return nil, err
	}
	tx.addOutput(wire.NewTxOut(amount, c.Z.PkScript()))

	return tx, nil
}

// NewPegInDeposit builds and signs the deposit.
func NewPegInDeposit(ctx *contexts.DepositorContext, p *PegInParams,
	c *PegInConnectors) (*PreSignedTx, error) {

	tx, err := NewPegInDepositForValidation(p, c)

	return signed(ctx.PrivateKey(), tx, err)
}

// NewPegInRefundForValidation builds the refund returning the deposit to
// the depositor once the refund timelock expired.
func NewPegInRefundForValidation(p *PegInParams, c *PegInConnectors,
	deposit Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(PegInRefundName, p.Committee)

	amount, err := spendable(deposit, tx.name)
	if err != nil {
		return nil, err
	}

	err = tx.addLeafInput(
		c.Z.TaprootConnector, connectors.ConnectorZRefundLeaf, deposit,
		txscript.SigHashDefault, KeySlot(p.DepositorKey),
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := connectors.KeyPathScript(p.DepositorKey)
	if err != nil {
		return nil, err
	}
	tx.addOutput(wire.NewTxOut(amount, pkScript))

	return tx, nil
}

// NewPegInRefund builds and signs the refund.
func NewPegInRefund(ctx *contexts.DepositorContext, p *PegInParams,
	c *PegInConnectors, deposit Input) (*PreSignedTx, error) {

	tx, err := NewPegInRefundForValidation(p, c, deposit)

	return signed(ctx.PrivateKey(), tx, err)
}

// NewPegInConfirmForValidation builds the confirm moving the deposit into
// connector 0 under committee control.
func NewPegInConfirmForValidation(p *PegInParams, c *PegInConnectors,
	deposit Input) (*PreSignedTx, error) {

	tx := newPreSignedTx(PegInConfirmName, p.Committee)

	amount, err := spendable(deposit, tx.name)
	if err != nil {
		return nil, err
	}

	err = tx.addLeafInput(
		c.Z.TaprootConnector, connectors.ConnectorZConfirmLeaf, deposit,
		txscript.SigHashAll, KeySlot(p.DepositorKey), CommitteeSlot(),
	)
	if err != nil {
		return nil, err
	}
	tx.addOutput(c.C0.TxOut(btcutil.Amount(amount)))

	return tx, nil
}

// NewPegInConfirm builds the confirm carrying the depositor's signature.
func NewPegInConfirm(ctx *contexts.DepositorContext, p *PegInParams,
	c *PegInConnectors, deposit Input) (*PreSignedTx, error) {

	tx, err := NewPegInConfirmForValidation(p, c, deposit)

	return signed(ctx.PrivateKey(), tx, err)
}

// signed adds signer's signatures to a freshly built transaction.
func signed(signer *btcec.PrivateKey, tx *PreSignedTx,
	err error) (*PreSignedTx, error) {

	if err != nil {
		return nil, err
	}
	if err := tx.SignWith(signer); err != nil {
		return nil, err
	}

	return tx, nil
}
