package transactions

import (
	"encoding/json"
	"fmt"

	"github.com/bitvm/bridge/connectors"
	"github.com/bitvm/bridge/contexts"
	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PegOutName names the operator's payment to the withdrawer.
const PegOutName = "peg_out"

// WithdrawalRequest is a peg-out request as seen on the EVM side, reduced to
// what the operator's payment commits to.
type WithdrawalRequest struct {
	// Destination is the output script of the withdrawer's address.
	Destination []byte

	Amount     btcutil.Amount
	Timestamp  uint32
	EVMAddress [connectors.EVMAddressSize]byte

	// Funding is the operator output paying for the withdrawal.
	Funding Input
}

// WithdrawerHash is the withdrawer identity committed to on chain: the
// hash160 of its destination script.
func (r *WithdrawalRequest) WithdrawerHash() [20]byte {
	var h [20]byte
	copy(h[:], btcutil.Hash160(r.Destination))

	return h
}

type withdrawalJSON struct {
	Destination hexBytes `json:"destination"`
	Amount      int64    `json:"amount"`
	Timestamp   uint32   `json:"timestamp"`
	EVMAddress  hexBytes `json:"evm_address"`
	Funding     Input    `json:"funding"`
}

// MarshalJSON encodes the request.
func (r *WithdrawalRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(withdrawalJSON{
		Destination: r.Destination,
		Amount:      int64(r.Amount),
		Timestamp:   r.Timestamp,
		EVMAddress:  r.EVMAddress[:],
		Funding:     r.Funding,
	})
}

// UnmarshalJSON decodes a request written by MarshalJSON.
func (r *WithdrawalRequest) UnmarshalJSON(b []byte) error {
	var raw withdrawalJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.EVMAddress) != connectors.EVMAddressSize {
		return fmt.Errorf("evm address has %d bytes",
			len(raw.EVMAddress))
	}

	r.Destination = raw.Destination
	r.Amount = btcutil.Amount(raw.Amount)
	r.Timestamp = raw.Timestamp
	copy(r.EVMAddress[:], raw.EVMAddress)
	r.Funding = raw.Funding

	return nil
}

// NewPegOutForValidation builds the operator's payment to the withdrawer.
// Whatever the funding input holds above amount and fee goes back to the
// operator.
func NewPegOutForValidation(operatorKey *btcec.PublicKey,
	committee *contexts.Committee,
	req *WithdrawalRequest) (*PreSignedTx, error) {

	tx := newPreSignedTx(PegOutName, committee)

	change := req.Funding.Amount - req.Amount - params.FeeAmount
	if req.Amount <= 0 || change < 0 {
		return nil, fmt.Errorf("%w: funding of %v for a withdrawal of "+
			"%v", ErrInsufficientFunds, req.Funding.Amount,
			req.Amount)
	}

	commitment, err := connectors.PegOutCommitmentScript(
		req.WithdrawerHash(), req.Timestamp, req.EVMAddress,
	)
	if err != nil {
		return nil, err
	}

	err = tx.addKeyInput(operatorKey, req.Funding, txscript.SigHashDefault)
	if err != nil {
		return nil, err
	}
	tx.addOutput(wire.NewTxOut(int64(req.Amount), req.Destination))
	tx.addOutput(wire.NewTxOut(0, commitment))

	if change > 0 {
		out, err := operatorOutput(operatorKey, change)
		if err != nil {
			return nil, err
		}
		tx.addOutput(out)
	}

	return tx, nil
}

// NewPegOut builds and signs the payment to the withdrawer.
func NewPegOut(ctx *contexts.OperatorContext,
	req *WithdrawalRequest) (*PreSignedTx, error) {

	tx, err := NewPegOutForValidation(
		ctx.PublicKey(), ctx.Committee(), req,
	)

	return signed(ctx.PrivateKey(), tx, err)
}
