// Package chaintest provides an in-memory Bitcoin chain for tests.
package chaintest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/bitvm/bridge/chain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// StartHeight is the tip of a fresh mock chain.
const StartHeight = 100

type txEntry struct {
	tx *wire.MsgTx

	// height is zero while the transaction sits in the mempool.
	height uint32
}

type spendRef struct {
	txid chainhash.Hash
	vin  uint32
}

// MockChain is a chain.Client keeping every transaction in memory. It checks
// double spends, amounts and relative timelocks on broadcast, and optionally
// runs the script engine over every input.
type MockChain struct {
	mu sync.Mutex

	height  uint32
	funded  uint32
	txs     map[chainhash.Hash]*txEntry
	utxos   map[wire.OutPoint]*wire.TxOut
	spends  map[wire.OutPoint]spendRef
	mempool []chainhash.Hash

	verifyScripts bool

	// FailNext, if set, is returned by the next call and then cleared.
	FailNext error
}

// A compile time check to make sure MockChain is a chain.Client.
var _ chain.Client = (*MockChain)(nil)

// New returns a mock chain at StartHeight.
func New() *MockChain {
	return &MockChain{
		height: StartHeight,
		txs:    make(map[chainhash.Hash]*txEntry),
		utxos:  make(map[wire.OutPoint]*wire.TxOut),
		spends: make(map[wire.OutPoint]spendRef),
	}
}

// VerifyScripts turns script execution on broadcast on or off.
func (m *MockChain) VerifyScripts(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.verifyScripts = on
}

// Fund creates a confirmed output paying amount to pkScript.
func (m *MockChain) Fund(pkScript []byte,
	amount btcutil.Amount) wire.OutPoint {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.funded++
	var seed [4]byte
	binary.BigEndian.PutUint32(seed[:], m.funded)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.HashH(seed[:])}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	txid := tx.TxHash()
	m.txs[txid] = &txEntry{tx: tx, height: m.height}

	op := wire.OutPoint{Hash: txid, Index: 0}
	m.utxos[op] = tx.TxOut[0]

	return op
}

// FundAddress creates a confirmed output paying amount to addr.
func (m *MockChain) FundAddress(addr btcutil.Address,
	amount btcutil.Amount) (wire.OutPoint, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return wire.OutPoint{}, err
	}

	return m.Fund(pkScript, amount), nil
}

// MineBlocks mines the mempool into the next block and then extends the
// chain to n blocks in total.
func (m *MockChain) MineBlocks(n uint32) {
	if n == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, txid := range m.mempool {
		m.txs[txid].height = m.height + 1
	}
	m.mempool = nil
	m.height += n
}

// Height returns the tip height.
func (m *MockChain) Height() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.height
}

// Tx returns a known transaction.
func (m *MockChain) Tx(txid chainhash.Hash) (*wire.MsgTx, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.txs[txid]
	if !ok {
		return nil, false
	}

	return entry.tx, true
}

// takeFailure returns and clears FailNext.
func (m *MockChain) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	if err != nil {
		return fmt.Errorf("%w: %v", chain.ErrChainRPC, err)
	}

	return nil
}

// status is GetTxStatus without locking.
func (m *MockChain) status(txid chainhash.Hash) chain.TxStatus {
	entry, ok := m.txs[txid]
	if !ok {
		return chain.TxStatus{}
	}

	return chain.TxStatus{
		Known:       true,
		Confirmed:   entry.height != 0,
		BlockHeight: entry.height,
	}
}

// GetTxStatus returns the status of txid.
func (m *MockChain) GetTxStatus(_ context.Context,
	txid chainhash.Hash) (*chain.TxStatus, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	status := m.status(txid)

	return &status, nil
}

// GetRawTx returns a known transaction.
func (m *MockChain) GetRawTx(_ context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	entry, ok := m.txs[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %v", chain.ErrTxNotFound, txid)
	}

	return entry.tx.Copy(), nil
}

// GetOutSpend returns the spend status of op.
func (m *MockChain) GetOutSpend(_ context.Context,
	op wire.OutPoint) (*chain.OutSpend, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	ref, ok := m.spends[op]
	if !ok {
		return &chain.OutSpend{}, nil
	}

	return &chain.OutSpend{
		Spent:    true,
		Txid:     ref.txid,
		Vin:      ref.vin,
		TxStatus: m.status(ref.txid),
	}, nil
}

// GetTipHeight returns the tip height.
func (m *MockChain) GetTipHeight(context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	return m.height, nil
}

// GetAddressUTXOs returns the unspent outputs paying to addr, ordered by
// outpoint.
func (m *MockChain) GetAddressUTXOs(_ context.Context,
	addr btcutil.Address) ([]chain.UTXO, error) {

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	var utxos []chain.UTXO
	for op, out := range m.utxos {
		if !bytes.Equal(out.PkScript, pkScript) {
			continue
		}
		utxos = append(utxos, chain.UTXO{
			Outpoint:  op,
			Amount:    btcutil.Amount(out.Value),
			Confirmed: m.txs[op.Hash].height != 0,
		})
	}
	sort.Slice(utxos, func(i, j int) bool {
		a, b := utxos[i].Outpoint, utxos[j].Outpoint
		if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
			return c < 0
		}

		return a.Index < b.Index
	})

	return utxos, nil
}

// Broadcast validates tx against the current chain and adds it to the
// mempool.
func (m *MockChain) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}

	txid := tx.TxHash()
	if _, ok := m.txs[txid]; ok {
		return nil
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)

	var in int64
	for i, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint
		prevOut, ok := m.utxos[op]
		if !ok {
			if ref, spent := m.spends[op]; spent {
				return fmt.Errorf("%w: input %d double spends "+
					"%v, already spent by %v",
					chain.ErrRejected, i, op, ref.txid)
			}

			return fmt.Errorf("%w: input %d spends unknown %v",
				chain.ErrRejected, i, op)
		}

		if err := m.checkSequence(tx, txIn); err != nil {
			return fmt.Errorf("%w: input %d: %v", chain.ErrRejected,
				i, err)
		}

		fetcher.AddPrevOut(op, prevOut)
		in += prevOut.Value
	}

	var out int64
	for _, txOut := range tx.TxOut {
		out += txOut.Value
	}
	if out > in {
		return fmt.Errorf("%w: outputs of %d exceed inputs of %d",
			chain.ErrRejected, out, in)
	}

	if m.verifyScripts {
		if err := verify(tx, fetcher); err != nil {
			return fmt.Errorf("%w: %v", chain.ErrRejected, err)
		}
	}

	for i, txIn := range tx.TxIn {
		delete(m.utxos, txIn.PreviousOutPoint)
		m.spends[txIn.PreviousOutPoint] = spendRef{
			txid: txid, vin: uint32(i),
		}
	}
	for i, txOut := range tx.TxOut {
		m.utxos[wire.OutPoint{Hash: txid, Index: uint32(i)}] = txOut
	}
	m.txs[txid] = &txEntry{tx: tx}
	m.mempool = append(m.mempool, txid)

	return nil
}

// checkSequence enforces BIP-68 block based relative timelocks for
// inclusion in the next block.
func (m *MockChain) checkSequence(tx *wire.MsgTx, txIn *wire.TxIn) error {
	seq := txIn.Sequence
	if tx.Version < 2 || seq&wire.SequenceLockTimeDisabled != 0 {
		return nil
	}
	if seq&wire.SequenceLockTimeIsSeconds != 0 {
		return fmt.Errorf("time based sequence locks are not supported")
	}

	blocks := seq & wire.SequenceLockTimeMask
	if blocks == 0 {
		return nil
	}

	parent := m.txs[txIn.PreviousOutPoint.Hash]
	if parent.height == 0 {
		return fmt.Errorf("relative timelock of %d blocks on an "+
			"unconfirmed parent", blocks)
	}

	if age := m.height + 1 - parent.height; age < blocks {
		return fmt.Errorf("relative timelock of %d blocks not met, "+
			"parent is %d blocks deep", blocks, age)
	}

	return nil
}

// verify runs the script engine over every input of tx.
func verify(tx *wire.MsgTx, fetcher *txscript.MultiPrevOutFetcher) error {
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, hashes, prevOut.Value, fetcher,
		)
		if err != nil {
			return err
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	return nil
}
