// Package connectors builds the taproot outputs that link the transactions of
// the peg graphs. Every connector is a pure function of its keys, timelocks
// and commitments, so all participants derive identical scripts.
package connectors

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// numsKeyHex is the BIP-341 nothing-up-my-sleeve point. Nobody knows its
// discrete log, so outputs using it as internal key have no key path.
const numsKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

var (
	// ErrInvalidLeafIndex is returned when a leaf that doesn't exist is
	// requested. It always indicates a programming error.
	ErrInvalidLeafIndex = errors.New("invalid leaf index")

	numsKey = func() *btcec.PublicKey {
		raw, _ := hex.DecodeString(numsKeyHex)
		key, err := schnorr.ParsePubKey(raw)
		if err != nil {
			panic(fmt.Sprintf("invalid NUMS key: %v", err))
		}

		return key
	}()
)

// UnspendableKey returns the NUMS internal key.
func UnspendableKey() *btcec.PublicKey {
	return numsKey
}

// Leaf is a single tapscript of a connector. Sequence is the relative
// timelock the spending input must carry, or zero if the leaf has none.
type Leaf struct {
	Script   []byte
	Sequence uint32
}

// SpendInfo is everything needed to spend a connector through one leaf.
type SpendInfo struct {
	LeafScript   []byte
	ControlBlock []byte
	Sequence     uint32
}

// TaprootConnector is a script-path-only taproot output over a list of
// leaves.
type TaprootConnector struct {
	network *chaincfg.Params
	leaves  []Leaf

	tree      *txscript.IndexedTapScriptTree
	outputKey *btcec.PublicKey
	pkScript  []byte
}

// NewTaprootConnector assembles the script tree over leaves.
func NewTaprootConnector(network *chaincfg.Params,
	leaves ...Leaf) (*TaprootConnector, error) {

	if len(leaves) == 0 {
		return nil, fmt.Errorf("connector needs at least one leaf")
	}

	tapLeaves := make([]txscript.TapLeaf, len(leaves))
	for i, leaf := range leaves {
		tapLeaves[i] = txscript.NewBaseTapLeaf(leaf.Script)
	}

	tree := txscript.AssembleTaprootScriptTree(tapLeaves...)
	root := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(numsKey, root[:])

	pkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, err
	}

	return &TaprootConnector{
		network:   network,
		leaves:    leaves,
		tree:      tree,
		outputKey: outputKey,
		pkScript:  pkScript,
	}, nil
}

// Network returns the network the connector address is encoded for.
func (c *TaprootConnector) Network() *chaincfg.Params {
	return c.network
}

// Address returns the bech32m address of the connector.
func (c *TaprootConnector) Address() (*btcutil.AddressTaproot, error) {
	return btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(c.outputKey), c.network,
	)
}

// PkScript returns the output script of the connector.
func (c *TaprootConnector) PkScript() []byte {
	return c.pkScript
}

// TxOut returns an output paying amount to the connector.
func (c *TaprootConnector) TxOut(amount btcutil.Amount) *wire.TxOut {
	return wire.NewTxOut(int64(amount), c.pkScript)
}

// NumLeaves returns the number of spending paths.
func (c *TaprootConnector) NumLeaves() int {
	return len(c.leaves)
}

// LeafScript returns the script of leaf idx.
func (c *TaprootConnector) LeafScript(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(c.leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidLeafIndex, idx,
			len(c.leaves))
	}

	return c.leaves[idx].Script, nil
}

// SpendInfo returns the leaf script, control block and sequence for
// spending the connector through leaf idx.
func (c *TaprootConnector) SpendInfo(idx int) (*SpendInfo, error) {
	script, err := c.LeafScript(idx)
	if err != nil {
		return nil, err
	}

	ctrl := c.tree.LeafMerkleProofs[idx].ToControlBlock(numsKey)
	ctrlBytes, err := ctrl.ToBytes()
	if err != nil {
		return nil, err
	}

	return &SpendInfo{
		LeafScript:   script,
		ControlBlock: ctrlBytes,
		Sequence:     c.leaves[idx].Sequence,
	}, nil
}

// TxIn returns an input spending outpoint through leaf idx, carrying the
// leaf's relative timelock if it has one.
func (c *TaprootConnector) TxIn(idx int,
	outpoint wire.OutPoint) (*wire.TxIn, error) {

	if idx < 0 || idx >= len(c.leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidLeafIndex, idx,
			len(c.leaves))
	}

	txIn := wire.NewTxIn(&outpoint, nil, nil)
	if seq := c.leaves[idx].Sequence; seq != 0 {
		txIn.Sequence = seq
	}

	return txIn, nil
}

// Equal reports whether both connectors have the same leaves on the same
// network.
func (c *TaprootConnector) Equal(other *TaprootConnector) bool {
	if other == nil || c.network.Name != other.network.Name ||
		len(c.leaves) != len(other.leaves) {

		return false
	}

	for i := range c.leaves {
		if c.leaves[i].Sequence != other.leaves[i].Sequence ||
			!bytes.Equal(c.leaves[i].Script, other.leaves[i].Script) {

			return false
		}
	}

	return true
}

// KeyPathScript returns the BIP-86 output script of a single key.
func KeyPathScript(key *btcec.PublicKey) ([]byte, error) {
	return txscript.PayToTaprootScript(
		txscript.ComputeTaprootKeyNoScript(key),
	)
}

// KeyPathAddress returns the BIP-86 address of a single key.
func KeyPathAddress(key *btcec.PublicKey,
	network *chaincfg.Params) (*btcutil.AddressTaproot, error) {

	return btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(
			txscript.ComputeTaprootKeyNoScript(key),
		), network,
	)
}

// BurnScript returns an output script nobody can spend.
func BurnScript() []byte {
	script, _ := txscript.PayToTaprootScript(numsKey)

	return script
}

// addTimelock appends a relative timelock check.
func addTimelock(b *txscript.ScriptBuilder, blocks uint32) {
	b.AddInt64(int64(blocks))
	b.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	b.AddOp(txscript.OP_DROP)
}

// addCheckSig appends a signature check against an x-only key.
func addCheckSig(b *txscript.ScriptBuilder, key *btcec.PublicKey) {
	b.AddData(schnorr.SerializePubKey(key))
	b.AddOp(txscript.OP_CHECKSIG)
}

// checkSigLeaf is a plain signature check, optionally behind a timelock.
func checkSigLeaf(key *btcec.PublicKey, timelock uint32) (Leaf, error) {
	b := txscript.NewScriptBuilder()
	if timelock != 0 {
		addTimelock(b, timelock)
	}
	addCheckSig(b, key)

	script, err := b.Script()
	if err != nil {
		return Leaf{}, err
	}

	return Leaf{Script: script, Sequence: timelock}, nil
}

// xOnly serializes a key as used inside tapscripts.
func xOnly(key *btcec.PublicKey) []byte {
	return schnorr.SerializePubKey(key)
}
