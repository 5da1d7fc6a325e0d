package transactions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Input describes an output to be spent: where it is and how much it holds.
type Input struct {
	Outpoint wire.OutPoint
	Amount   btcutil.Amount
}

// NewInput creates an input for vout of txid.
func NewInput(txid chainhash.Hash, vout uint32, amount btcutil.Amount) Input {
	return Input{
		Outpoint: wire.OutPoint{Hash: txid, Index: vout},
		Amount:   amount,
	}
}

// ParseOutpoint parses the "txid:vout" notation.
func ParseOutpoint(s string) (wire.OutPoint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return wire.OutPoint{}, fmt.Errorf("invalid outpoint %q", s)
	}

	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid in %q: %w",
			s, err)
	}

	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid vout in %q: %w",
			s, err)
	}

	return wire.OutPoint{Hash: *hash, Index: uint32(vout)}, nil
}

type inputJSON struct {
	Outpoint string `json:"outpoint"`
	Amount   int64  `json:"amount"`
}

// MarshalJSON encodes the input as {"outpoint": "txid:vout", "amount": n}.
func (i Input) MarshalJSON() ([]byte, error) {
	return json.Marshal(inputJSON{
		Outpoint: i.Outpoint.String(),
		Amount:   int64(i.Amount),
	})
}

// UnmarshalJSON decodes an input written by MarshalJSON.
func (i *Input) UnmarshalJSON(b []byte) error {
	var raw inputJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	op, err := ParseOutpoint(raw.Outpoint)
	if err != nil {
		return err
	}

	i.Outpoint = op
	i.Amount = btcutil.Amount(raw.Amount)

	return nil
}
