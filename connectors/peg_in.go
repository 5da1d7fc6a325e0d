package connectors

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// EVMAddressSize is the size of an EVM account address.
const EVMAddressSize = 20

// Leaf indexes of connector Z.
const (
	ConnectorZRefundLeaf  = 0
	ConnectorZConfirmLeaf = 1
)

// ConnectorZ is the deposit output. Leaf 0 refunds the depositor after the
// refund timelock, leaf 1 lets the committee and the depositor move the
// deposit into the peg while committing to the EVM address to mint to.
type ConnectorZ struct {
	*TaprootConnector

	DepositorKey *btcec.PublicKey
	CommitteeKey *btcec.PublicKey
	EVMAddress   [EVMAddressSize]byte
}

// NewConnectorZ builds connector Z.
func NewConnectorZ(net *chaincfg.Params, depositorKey,
	committeeKey *btcec.PublicKey,
	evmAddress [EVMAddressSize]byte) (*ConnectorZ, error) {

	refund, err := checkSigLeaf(depositorKey, RefundTimelock(net))
	if err != nil {
		return nil, err
	}

	b := txscript.NewScriptBuilder()
	b.AddData(evmAddress[:])
	b.AddOp(txscript.OP_DROP)
	b.AddData(xOnly(committeeKey))
	b.AddOp(txscript.OP_CHECKSIGVERIFY)
	addCheckSig(b, depositorKey)
	confirm, err := b.Script()
	if err != nil {
		return nil, err
	}

	tc, err := NewTaprootConnector(net, refund, Leaf{Script: confirm})
	if err != nil {
		return nil, err
	}

	return &ConnectorZ{
		TaprootConnector: tc,
		DepositorKey:     depositorKey,
		CommitteeKey:     committeeKey,
		EVMAddress:       evmAddress,
	}, nil
}

// Connector0 holds the confirmed peg-in. Only the committee can spend it,
// and it pre-signs that spend into the operator's take transactions.
type Connector0 struct {
	*TaprootConnector

	CommitteeKey *btcec.PublicKey
}

// NewConnector0 builds connector 0.
func NewConnector0(net *chaincfg.Params,
	committeeKey *btcec.PublicKey) (*Connector0, error) {

	leaf, err := checkSigLeaf(committeeKey, 0)
	if err != nil {
		return nil, err
	}

	tc, err := NewTaprootConnector(net, leaf)
	if err != nil {
		return nil, err
	}

	return &Connector0{TaprootConnector: tc, CommitteeKey: committeeKey}, nil
}
