// Package chain defines what the bridge needs from a Bitcoin backend.
package chain

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrChainRPC wraps transient failures talking to the backend.
	ErrChainRPC = errors.New("chain rpc failure")

	// ErrTxNotFound is returned for transactions the backend does not
	// know about, neither confirmed nor in its mempool.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrRejected is returned when the backend refuses a broadcast.
	ErrRejected = errors.New("transaction rejected")
)

// TxStatus is what the backend knows about a transaction.
type TxStatus struct {
	// Known is false if the transaction is neither mined nor in the
	// mempool.
	Known bool

	Confirmed   bool
	BlockHeight uint32
}

// OutSpend tells whether an output has been spent and by which transaction.
type OutSpend struct {
	Spent bool
	Txid  chainhash.Hash
	Vin   uint32
	TxStatus
}

// UTXO is an unspent output of an address.
type UTXO struct {
	Outpoint  wire.OutPoint
	Amount    btcutil.Amount
	Confirmed bool
}

// Client is a Bitcoin backend. Implementations must be safe for concurrent
// use.
type Client interface {
	// GetTxStatus returns the status of txid. Unknown transactions are
	// reported with Known unset rather than as an error.
	GetTxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error)

	// GetRawTx returns a mined or mempool transaction with its
	// witnesses.
	GetRawTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)

	// GetOutSpend returns the spend status of op.
	GetOutSpend(ctx context.Context, op wire.OutPoint) (*OutSpend, error)

	// GetTipHeight returns the height of the best block.
	GetTipHeight(ctx context.Context) (uint32, error)

	// GetAddressUTXOs returns the unspent outputs paying to addr.
	GetAddressUTXOs(ctx context.Context,
		addr btcutil.Address) ([]UTXO, error)

	// Broadcast submits tx. Broadcasting a transaction the backend
	// already knows is not an error.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error
}
