// Package evm reads the bridge contract's events from an EVM chain and
// projects them onto Bitcoin terms.
package evm

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrRPC wraps failures talking to the EVM node.
	ErrRPC = errors.New("evm rpc failure")

	// ErrDecode is returned for logs that do not decode into a valid
	// event.
	ErrDecode = errors.New("evm event decode failure")

	// ErrUnknownOperator is returned when a peg-out names another
	// operator.
	ErrUnknownOperator = errors.New("peg-out names an unknown operator")

	// ErrAddressMismatch is returned when the withdrawer's Bitcoin
	// address belongs to another network.
	ErrAddressMismatch = errors.New("destination address is for another " +
		"network")
)

// Event names of the bridge contract.
const (
	PegOutInitiatedName = "PegOutInitiated"
	PegInMintedName     = "PegInMinted"
)

// bridgeABI describes the events of the bridge contract.
const bridgeABI = `[
	{
		"type": "event",
		"name": "PegOutInitiated",
		"inputs": [
			{"name": "withdrawer", "type": "address", "indexed": true},
			{"name": "destination_address", "type": "string"},
			{
				"name": "source_outpoint",
				"type": "tuple",
				"components": [
					{"name": "txId", "type": "bytes32"},
					{"name": "vOut", "type": "uint256"}
				]
			},
			{"name": "amount", "type": "uint256"},
			{"name": "operator_pubKey", "type": "bytes"}
		]
	},
	{
		"type": "event",
		"name": "PegInMinted",
		"inputs": [
			{"name": "depositor", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256"},
			{"name": "depositorPubKey", "type": "bytes32"}
		]
	}
]`

// BridgeABI is the parsed bridge contract interface.
var BridgeABI = mustParseABI(bridgeABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}

	return parsed
}

// PegOutInitiatedTopic and PegInMintedTopic are the first log topics of the
// two events.
var (
	PegOutInitiatedTopic = BridgeABI.Events[PegOutInitiatedName].ID
	PegInMintedTopic     = BridgeABI.Events[PegInMintedName].ID
)

// Event is a decoded bridge event.
type Event interface {
	// Origin locates the log the event was decoded from.
	Origin() LogOrigin
}

// LogOrigin locates a log on the EVM chain.
type LogOrigin struct {
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// outpoint mirrors the contract's Outpoint struct.
type outpoint struct {
	TxId [32]byte
	VOut *big.Int
}

type pegOutInitiatedData struct {
	DestinationAddress string
	SourceOutpoint     outpoint
	Amount             *big.Int
	OperatorPubKey     []byte
}

type pegOutInitiatedTopics struct {
	Withdrawer common.Address
}

// PegOutInitiated is a burn on the EVM side asking for BTC.
type PegOutInitiated struct {
	LogOrigin

	// Withdrawer is the EVM account that burnt its tokens.
	Withdrawer common.Address

	// DestinationAddress is the Bitcoin address to pay, as emitted.
	DestinationAddress string

	// SourceOutpoint is the peg-in confirm output the withdrawal is
	// paid from.
	SourceOutpoint wire.OutPoint

	Amount btcutil.Amount

	OperatorKey *btcec.PublicKey

	// Timestamp is the time of the EVM block holding the event.
	Timestamp uint32
}

// Origin returns where the event was emitted.
func (e *PegOutInitiated) Origin() LogOrigin {
	return e.LogOrigin
}

type pegInMintedData struct {
	Amount          *big.Int
	DepositorPubKey [32]byte
}

type pegInMintedTopics struct {
	Depositor common.Address
}

// PegInMinted reports the tokens minted for a confirmed peg-in.
type PegInMinted struct {
	LogOrigin

	Depositor common.Address
	Amount    btcutil.Amount

	// DepositorKey is the depositor's x-only Bitcoin key.
	DepositorKey *btcec.PublicKey
}

// Origin returns where the event was emitted.
func (e *PegInMinted) Origin() LogOrigin {
	return e.LogOrigin
}

func origin(l *types.Log) LogOrigin {
	return LogOrigin{
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}
}

func decodeErr(l *types.Log, format string, args ...any) error {
	return fmt.Errorf("%w: log %v/%d: %s", ErrDecode, l.TxHash, l.Index,
		fmt.Sprintf(format, args...))
}

// toSatoshis converts a uint256 amount, which must be positive and fit a
// Bitcoin amount.
func toSatoshis(v *big.Int) (btcutil.Amount, bool) {
	if v == nil || v.Sign() <= 0 || !v.IsInt64() ||
		v.Int64() > btcutil.MaxSatoshi {

		return 0, false
	}

	return btcutil.Amount(v.Int64()), true
}

// indexed returns the indexed arguments of an event.
func indexed(name string) abi.Arguments {
	var args abi.Arguments
	for _, arg := range BridgeABI.Events[name].Inputs {
		if arg.Indexed {
			args = append(args, arg)
		}
	}

	return args
}

// unpack decodes the data and indexed topics of l as event name.
func unpack(l *types.Log, name string, data, topics any) error {
	ev := BridgeABI.Events[name]
	if len(l.Topics) == 0 || l.Topics[0] != ev.ID {
		return decodeErr(l, "not a %s log", name)
	}

	if err := BridgeABI.UnpackIntoInterface(data, name, l.Data); err != nil {
		return decodeErr(l, "%v", err)
	}

	err := abi.ParseTopics(topics, indexed(name), l.Topics[1:])
	if err != nil {
		return decodeErr(l, "%v", err)
	}

	return nil
}

// DecodePegOutInitiated decodes a PegOutInitiated log. The txid in the
// source outpoint is read in the usual display byte order.
func DecodePegOutInitiated(l *types.Log) (*PegOutInitiated, error) {
	var (
		data   pegOutInitiatedData
		topics pegOutInitiatedTopics
	)
	if err := unpack(l, PegOutInitiatedName, &data, &topics); err != nil {
		return nil, err
	}

	vout := data.SourceOutpoint.VOut
	if vout == nil || !vout.IsUint64() || vout.Uint64() > math.MaxUint32 {
		return nil, decodeErr(l, "output index %v out of range", vout)
	}

	amount, ok := toSatoshis(data.Amount)
	if !ok {
		return nil, decodeErr(l, "invalid amount %v", data.Amount)
	}

	operatorKey, err := btcec.ParsePubKey(data.OperatorPubKey)
	if err != nil {
		return nil, decodeErr(l, "invalid operator key: %v", err)
	}

	// The contract stores the txid in internal byte order.
	txid := chainhash.Hash(data.SourceOutpoint.TxId)

	return &PegOutInitiated{
		LogOrigin:          origin(l),
		Withdrawer:         topics.Withdrawer,
		DestinationAddress: data.DestinationAddress,
		SourceOutpoint:     *wire.NewOutPoint(&txid, uint32(vout.Uint64())),
		Amount:             amount,
		OperatorKey:        operatorKey,
	}, nil
}

// DecodePegInMinted decodes a PegInMinted log.
func DecodePegInMinted(l *types.Log) (*PegInMinted, error) {
	var (
		data   pegInMintedData
		topics pegInMintedTopics
	)
	if err := unpack(l, PegInMintedName, &data, &topics); err != nil {
		return nil, err
	}

	amount, ok := toSatoshis(data.Amount)
	if !ok {
		return nil, decodeErr(l, "invalid amount %v", data.Amount)
	}

	key, err := schnorr.ParsePubKey(data.DepositorPubKey[:])
	if err != nil {
		return nil, decodeErr(l, "invalid depositor key: %v", err)
	}

	return &PegInMinted{
		LogOrigin:    origin(l),
		Depositor:    topics.Depositor,
		Amount:       amount,
		DepositorKey: key,
	}, nil
}

// DecodeLog decodes any bridge event.
func DecodeLog(l *types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return nil, decodeErr(l, "anonymous log")
	}

	switch l.Topics[0] {
	case PegOutInitiatedTopic:
		return DecodePegOutInitiated(l)

	case PegInMintedTopic:
		return DecodePegInMinted(l)

	default:
		return nil, decodeErr(l, "unknown topic %v", l.Topics[0])
	}
}

// Destination parses the withdrawer's Bitcoin address, which must belong to
// net.
func (e *PegOutInitiated) Destination(
	net *chaincfg.Params) (btcutil.Address, error) {

	addr, err := btcutil.DecodeAddress(e.DestinationAddress, net)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrAddressMismatch,
			e.DestinationAddress, err)
	}
	if !addr.IsForNet(net) {
		return nil, fmt.Errorf("%w: %q is not a %s address",
			ErrAddressMismatch, e.DestinationAddress, net.Name)
	}

	return addr, nil
}

// WithdrawalRequest projects the event onto the payment op has to make. The
// event must name op and a destination on op's network. funding is the
// operator output paying for the withdrawal.
func (e *PegOutInitiated) WithdrawalRequest(op *contexts.OperatorContext,
	funding transactions.Input) (*transactions.WithdrawalRequest, error) {

	if !e.OperatorKey.IsEqual(op.PublicKey()) {
		return nil, fmt.Errorf("%w: %x", ErrUnknownOperator,
			e.OperatorKey.SerializeCompressed())
	}

	addr, err := e.Destination(op.Network())
	if err != nil {
		return nil, err
	}
	destination, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressMismatch, err)
	}

	req := &transactions.WithdrawalRequest{
		Destination: destination,
		Amount:      e.Amount,
		Timestamp:   e.Timestamp,
		Funding:     funding,
	}
	copy(req.EVMAddress[:], e.Withdrawer.Bytes())

	return req, nil
}
